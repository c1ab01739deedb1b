// Package config loads the runtime settings file and experiment specs.
// Settings come from YAML with environment expansion; secrets stay in
// the environment (optionally via .env) and never in config files.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings is the process-wide configuration. Zero value works; every
// field has a default.
type Settings struct {
	// OutputDir is the root for experiment directories. The OUTPUT_DIR
	// environment variable overrides it.
	OutputDir string `yaml:"output_dir"`

	LogLevel string `yaml:"log_level"`

	Defaults struct {
		MaxTurns    int `yaml:"max_turns"`
		MaxParallel int `yaml:"max_parallel"`
	} `yaml:"defaults"`

	Convergence struct {
		Profile       string             `yaml:"profile"`
		Threshold     float64            `yaml:"threshold"`
		Action        string             `yaml:"action"`
		CustomWeights map[string]float64 `yaml:"custom_weights"`
	} `yaml:"convergence"`

	ContextManagement struct {
		AllowTruncation bool `yaml:"allow_truncation"`
	} `yaml:"context_management"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"rate_limiting"`

	Providers struct {
		// CallTimeout bounds one provider call including streaming.
		CallTimeout time.Duration `yaml:"call_timeout"`
	} `yaml:"providers"`

	Tracing struct {
		Endpoint     string  `yaml:"endpoint"`
		SamplingRate float64 `yaml:"sampling_rate"`
		Insecure     bool    `yaml:"insecure"`
	} `yaml:"tracing"`
}

// DefaultSettings returns the built-in configuration.
func DefaultSettings() *Settings {
	s := &Settings{
		OutputDir: "./pidgin_output",
		LogLevel:  "info",
	}
	s.Defaults.MaxTurns = 20
	s.Defaults.MaxParallel = 1
	s.Convergence.Profile = "balanced"
	s.Convergence.Action = "stop"
	s.RateLimiting.Enabled = true
	return s
}

// LoadSettings reads the settings file at path, or returns defaults when
// path is empty or missing. A .env next to the working directory is
// loaded first so ${VAR} expansion and API keys see it.
func LoadSettings(path string) (*Settings, error) {
	// Missing .env is the common case, not an error.
	_ = godotenv.Load()

	s := DefaultSettings()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := decodeStrict(os.ExpandEnv(string(data)), s); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if dir := os.Getenv("OUTPUT_DIR"); dir != "" {
		s.OutputDir = dir
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		s.LogLevel = level
	}
	return s, nil
}

// decodeStrict parses one YAML document, rejecting unknown fields so
// typos surface at startup instead of silently defaulting.
func decodeStrict(data string, out any) error {
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("expected single document")
	}
	return nil
}
