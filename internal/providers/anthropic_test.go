package providers

import (
	"context"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// scriptedDecoder replays a fixed sequence of SSE events.
type scriptedDecoder struct {
	events []ssestream.Event
	pos    int
}

func (d *scriptedDecoder) Next() bool {
	if d.pos >= len(d.events) {
		return false
	}
	d.pos++
	return true
}

func (d *scriptedDecoder) Event() ssestream.Event { return d.events[d.pos-1] }
func (d *scriptedDecoder) Close() error           { return nil }
func (d *scriptedDecoder) Err() error             { return nil }

func sse(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func collectAnthropicChunks(t *testing.T, events []ssestream.Event) []*Chunk {
	t.Helper()
	stream := ssestream.NewStream[anthropic.MessageStreamEventUnion](&scriptedDecoder{events: events}, nil)

	p := &Anthropic{}
	chunks := make(chan *Chunk)
	go func() {
		defer close(chunks)
		p.processStream(context.Background(), stream, chunks, "claude-sonnet-4")
	}()

	var out []*Chunk
	for c := range chunks {
		out = append(out, c)
	}
	return out
}

func TestAnthropicStreamThinkingAndText(t *testing.T) {
	got := collectAnthropicChunks(t, []ssestream.Event{
		sse("message_start", `{"type":"message_start","message":{"usage":{"input_tokens":12}}}`),
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"let me see"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"text"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"hello"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":" world"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":1}`),
		sse("message_delta", `{"type":"message_delta","delta":{},"usage":{"output_tokens":9}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	})

	var thinking, response string
	var done *Chunk
	for _, c := range got {
		if c.Err != nil {
			t.Fatalf("chunk error: %v", c.Err)
		}
		switch {
		case c.Done:
			done = c
		case c.Kind == KindThinking:
			thinking += c.Text
		case c.Kind == KindResponse:
			response += c.Text
		}
	}

	if thinking != "let me see" {
		t.Errorf("thinking = %q", thinking)
	}
	if response != "hello world" {
		t.Errorf("response = %q", response)
	}
	if done == nil {
		t.Fatal("no final chunk")
	}
	if done.InputTokens != 12 || done.OutputTokens != 9 {
		t.Errorf("tokens = %d in, %d out", done.InputTokens, done.OutputTokens)
	}
}

func TestAnthropicStreamEndsWithoutMessageStop(t *testing.T) {
	got := collectAnthropicChunks(t, []ssestream.Event{
		sse("message_start", `{"type":"message_start","message":{"usage":{"input_tokens":3}}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`),
	})

	last := got[len(got)-1]
	if !last.Done {
		t.Fatalf("last chunk not done: %+v", last)
	}
	if last.InputTokens != 3 {
		t.Errorf("input tokens = %d", last.InputTokens)
	}
}
