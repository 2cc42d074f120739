package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerWritesFieldsAndCaller(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "monitor"))
	log.Info("status changed", Int64("owner", 42), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["comp"] != "monitor" || m["owner"] != float64(42) || m["err"] != "boom" {
		t.Fatalf("unexpected record: %v", m)
	}
	caller, _ := m["caller"].(string)
	if !strings.HasPrefix(caller, "logx_test.go:") {
		t.Fatalf("caller=%q", caller)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn missing: %q", buf.String())
	}
}

func TestZeroLoggerDiscards(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Error("nothing happens")
}

func TestFormatRecord(t *testing.T) {
	got := formatRecord([]byte(`{"level":"error","time":"x","message":"send failed","owner":7,"comp":"notifier"}`))
	want := "[ERROR] send failed\n- comp=notifier\n- owner=7"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel(" warning ", LevelInfo) != LevelWarn {
		t.Fatalf("warning should map to warn")
	}
	if ParseLevel("nope", LevelDebug) != LevelDebug {
		t.Fatalf("unknown should fall back")
	}
}
