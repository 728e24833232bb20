package logx

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func bufLogger(buf *bytes.Buffer, level zerolog.Level) Logger {
	return Logger{base: zerolog.New(buf).Level(level), hasBase: true}
}

func TestEmitWritesEvent(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := bufLogger(&buf, zerolog.InfoLevel)

	log.Info("service started", String("comp", "app"), Int64("owner", 42))

	out := buf.String()
	if !strings.Contains(out, `"message":"service started"`) {
		t.Fatalf("missing message: %q", out)
	}
	if !strings.Contains(out, `"comp":"app"`) || !strings.Contains(out, `"owner":42`) {
		t.Fatalf("missing fields: %q", out)
	}
	if !strings.Contains(out, `"caller":"logger_test.go:`) {
		t.Fatalf("missing caller: %q", out)
	}
}

func TestEmitRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := bufLogger(&buf, zerolog.WarnLevel)

	log.Debug("dropped")
	log.Info("dropped too")
	if buf.Len() != 0 {
		t.Fatalf("sub-level events written: %q", buf.String())
	}

	log.Error("kept", Err(nil))
	if !strings.Contains(buf.String(), `"kept"`) {
		t.Fatalf("error event missing: %q", buf.String())
	}
}

func TestWithCarriesFixedFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := bufLogger(&buf, zerolog.InfoLevel).With(String("comp", "verify"))

	log.Info("first")
	log.Warn("second", Int("n", 2))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	for i, line := range lines {
		if !strings.Contains(line, `"comp":"verify"`) {
			t.Fatalf("line %d lost the fixed field: %q", i, line)
		}
	}
	if !strings.Contains(lines[1], `"n":2`) {
		t.Fatalf("call-site field missing: %q", lines[1])
	}
}

func TestNopDiscardsEverything(t *testing.T) {
	t.Parallel()

	log := Nop()
	if log.IsZero() {
		t.Fatal("Nop must not be the zero logger")
	}
	log.Error("goes nowhere", String("k", "v"))
	if log.Enabled(zerolog.ErrorLevel) {
		t.Fatal("Nop should report every level disabled")
	}
}
