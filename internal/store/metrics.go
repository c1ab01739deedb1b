package store

import (
	"math"
	"strings"
	"unicode"
)

// TextMetrics are the per-message linguistic features the importer
// computes into the turn_metrics wide table. Everything here is derived
// from the message text alone.
type TextMetrics struct {
	CharCount     int
	WordCount     int
	SentenceCount int
	ParagraphCount int
	QuestionCount int
	ExclamationCount int
	ListItemCount  int
	CodeBlockCount int

	AvgWordLength     float64
	AvgSentenceLength float64

	// Lexical diversity.
	TypeTokenRatio float64
	HapaxRatio     float64

	// Information content.
	WordEntropy float64
	CharEntropy float64

	// Densities over characters.
	PunctuationDensity float64
	SymbolDensity      float64

	// Pronoun usage.
	FirstPersonSingular int
	FirstPersonPlural   int
	SecondPerson        int
}

var (
	firstSingular = map[string]bool{"i": true, "me": true, "my": true, "mine": true, "myself": true}
	firstPlural   = map[string]bool{"we": true, "us": true, "our": true, "ours": true, "ourselves": true}
	secondPerson  = map[string]bool{"you": true, "your": true, "yours": true, "yourself": true}
)

// ComputeTextMetrics computes the full feature set for one message.
func ComputeTextMetrics(text string) TextMetrics {
	var m TextMetrics
	m.CharCount = len(text)
	if text == "" {
		return m
	}

	words := tokenize(text)
	m.WordCount = len(words)

	freq := make(map[string]int, len(words))
	totalWordLen := 0
	for _, w := range words {
		freq[w]++
		totalWordLen += len(w)
		switch {
		case firstSingular[w]:
			m.FirstPersonSingular++
		case firstPlural[w]:
			m.FirstPersonPlural++
		case secondPerson[w]:
			m.SecondPerson++
		}
	}
	if m.WordCount > 0 {
		m.AvgWordLength = float64(totalWordLen) / float64(m.WordCount)
		m.TypeTokenRatio = float64(len(freq)) / float64(m.WordCount)
		hapax := 0
		for _, n := range freq {
			if n == 1 {
				hapax++
			}
		}
		m.HapaxRatio = float64(hapax) / float64(m.WordCount)
		m.WordEntropy = entropy(freq, m.WordCount)
	}

	charFreq := make(map[string]int)
	punct, symbols := 0, 0
	for _, r := range text {
		charFreq[string(r)]++
		if unicode.IsPunct(r) {
			punct++
		}
		if unicode.IsSymbol(r) {
			symbols++
		}
	}
	runes := 0
	for _, n := range charFreq {
		runes += n
	}
	m.CharEntropy = entropy(charFreq, runes)
	m.PunctuationDensity = float64(punct) / float64(runes)
	m.SymbolDensity = float64(symbols) / float64(runes)

	for _, r := range text {
		switch r {
		case '.', '!', '?':
			m.SentenceCount++
		}
		if r == '?' {
			m.QuestionCount++
		}
		if r == '!' {
			m.ExclamationCount++
		}
	}
	if m.SentenceCount > 0 {
		m.AvgSentenceLength = float64(m.WordCount) / float64(m.SentenceCount)
	}

	m.ParagraphCount = len(strings.Split(strings.TrimSpace(text), "\n\n"))
	for _, line := range strings.Split(text, "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ") || strings.HasPrefix(t, "• ") {
			m.ListItemCount++
		}
	}
	m.CodeBlockCount = strings.Count(text, "```") / 2

	return m
}

// tokenize lowercases and strips surrounding punctuation from each
// whitespace-separated token.
func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

// entropy is the Shannon entropy in bits of the frequency distribution.
func entropy(freq map[string]int, total int) float64 {
	if total == 0 {
		return 0
	}
	h := 0.0
	for _, n := range freq {
		p := float64(n) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}
