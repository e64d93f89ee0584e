package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"", slog.LevelInfo, true},
		{"WARN", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.ok != (err == nil) || got != tc.want {
			t.Fatalf("%q: got %v err=%v", tc.in, got, err)
		}
	}
}

func TestJSONLoggerCarriesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: slog.LevelInfo, Format: "json", Component: ComponentLedger, Output: &buf})

	l.LogErr(context.Background(), "commit failed", errors.New("disk full"), ErrorTypeDatabase, OpCommit,
		NewFields().WithUser("u1").WithAttempt(2))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid json %q: %v", buf.String(), err)
	}
	want := map[string]any{
		FieldComponent: ComponentLedger,
		FieldUserID:    "u1",
		FieldError:     "disk full",
		FieldErrorType: ErrorTypeDatabase,
		FieldOperation: OpCommit,
		FieldAttempt:   float64(2),
	}
	for k, v := range want {
		if rec[k] != v {
			t.Fatalf("%s: want %v, got %v", k, v, rec[k])
		}
	}
}

func TestFromContextFallsBack(t *testing.T) {
	if l := FromContext(context.Background()); l == nil || l.Component() != "unknown" {
		t.Fatalf("unexpected fallback logger %+v", l)
	}
	nop := Nop()
	if got := FromContext(WithContext(context.Background(), nop)); got != nop {
		t.Fatal("logger not retrieved from context")
	}
}

func TestWithComponentReplacesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Format: "text", Component: ComponentApp, Output: &buf}).
		With(FieldUserID, "u1").
		WithComponent(ComponentSession)

	l.Info("signed in")
	out := buf.String()
	if bytes.Count([]byte(out), []byte("component=")) != 1 {
		t.Fatalf("expected one component attribute, got %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("component=session")) || !bytes.Contains([]byte(out), []byte("user_id=u1")) {
		t.Fatalf("unexpected record %q", out)
	}
	if l.Component() != ComponentSession {
		t.Fatalf("Component() = %q", l.Component())
	}
}
