package logging

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func TestInitSetsGlobalLevel(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Format: "json", Level: "debug", Component: "billing"})

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("global level=%s, want debug", zerolog.GlobalLevel())
	}
}

func TestSetGlobalLevel(t *testing.T) {
	t.Cleanup(resetLoggingState)

	SetGlobalLevel("warn")
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("global level=%s, want warn", zerolog.GlobalLevel())
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"info", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"trace", zerolog.TraceLevel},
		{"warn", zerolog.WarnLevel},
		{"WARNING", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q)=%s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestSelectWriter(t *testing.T) {
	if _, ok := selectWriter("console").(zerolog.ConsoleWriter); !ok {
		t.Fatal("console format should use a ConsoleWriter")
	}
	if selectWriter("json") != os.Stderr {
		t.Fatal("json format should write raw JSON to stderr")
	}
	if selectWriter("bogus") != os.Stderr {
		t.Fatal("invalid format should fall back to JSON on stderr")
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "req-123")
	if id != "req-123" {
		t.Fatalf("id=%q, want req-123", id)
	}
	if got := RequestID(ctx); got != "req-123" {
		t.Fatalf("RequestID=%q, want req-123", got)
	}

	// A blank incoming ID gets a generated one.
	ctx, id = WithRequestID(context.Background(), "  ")
	if id == "" {
		t.Fatal("expected a generated request ID")
	}
	if got := RequestID(ctx); got != id {
		t.Fatalf("RequestID=%q, want %q", got, id)
	}

	if got := RequestID(context.Background()); got != "" {
		t.Fatalf("RequestID on bare context=%q, want empty", got)
	}
}
