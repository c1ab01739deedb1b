package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerRedactsAPIKeys(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Output: &buf})

	log.Info(context.Background(), "provider call failed",
		"detail", "api_key: sk-ant-REDACTED rejected")

	out := buf.String()
	if strings.Contains(out, "sk-ant-") {
		t.Errorf("key leaked into log: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction marker: %s", out)
	}
}

func TestLoggerCarriesContextIDs(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Output: &buf})

	ctx := WithExperimentID(context.Background(), "exp_1")
	ctx = WithConversationID(ctx, "conv_2")
	log.Info(ctx, "turn finished")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	if record["experiment_id"] != "exp_1" || record["conversation_id"] != "conv_2" {
		t.Errorf("missing correlation fields: %v", record)
	}
}

func TestLogLevelFromString(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := LogLevelFromString(in); got != want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(LogConfig{Level: "info", Output: &buf})

	log.Debug(context.Background(), "noisy detail")
	if buf.Len() != 0 {
		t.Errorf("debug record emitted at info level: %s", buf.String())
	}
}

func TestTracerWithoutEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer shutdown(context.Background())

	ctx, span := tracer.TraceConversation(context.Background(), "conv_1", "exp_1")
	if span == nil {
		t.Fatal("nil span")
	}
	span.End()
	if ctx == nil {
		t.Fatal("nil context")
	}
}
