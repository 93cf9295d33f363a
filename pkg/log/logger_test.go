package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newBufLogger(buf *bytes.Buffer, opts ...LoggerOption) Logger {
	opts = append([]LoggerOption{WithOutput(NewWriterOutput(buf))}, opts...)
	return NewLogger(opts...)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLevelGating(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf, WithLevel(WarnLevel))
	l.Info("hidden")
	l.Warn("shown")
	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["msg"] != "shown" {
		t.Fatalf("unexpected output: %v", lines)
	}
	l.SetLevel(DebugLevel)
	l.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Fatalf("debug not emitted after SetLevel")
	}
}

func TestWithFieldsAreInherited(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf).WithComponent("worker").With(Str("queue", "orders"))
	l.WithError(errors.New("boom")).Error("failed", Int("attempt", 2))
	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("want 1 line, got %d", len(lines))
	}
	got := lines[0]
	if got[ComponentKey] != "worker" || got["queue"] != "orders" || got["error"] != "boom" {
		t.Fatalf("missing inherited fields: %v", got)
	}
	if got["attempt"].(float64) != 2 || got["level"] != "ERROR" {
		t.Fatalf("unexpected entry: %v", got)
	}
}

func TestChildSharesParentLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := newBufLogger(&buf)
	child := parent.WithField("k", "v")
	parent.SetLevel(ErrorLevel)
	child.Info("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("child ignored parent level change: %s", buf.String())
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := ContextWith(context.Background(), MessageIDKey, "m-1")
	ctx = ContextWith(ctx, "ignored", "x")
	newBufLogger(&buf).WithContext(ctx).Info("hello")
	got := decodeLines(t, &buf)[0]
	if got[MessageIDKey] != "m-1" {
		t.Fatalf("message id not propagated: %v", got)
	}
	if _, ok := got["ignored"]; ok {
		t.Fatalf("undeclared key leaked: %v", got)
	}
}

func TestTextFormatter(t *testing.T) {
	var buf bytes.Buffer
	l := newBufLogger(&buf, WithFormatter(&TextFormatter{DisableTimestamp: true}))
	l.Info("scaled up", Int("size", 2), Str("reason", "queue depth"))
	want := "INFO  scaled up reason=\"queue depth\" size=2\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}
}

func TestFatalExits(t *testing.T) {
	var code int
	orig := exit
	exit = func(c int) { code = c }
	defer func() { exit = orig }()
	var buf bytes.Buffer
	newBufLogger(&buf).Fatal("bye")
	if code != 1 {
		t.Fatalf("exit code %d", code)
	}
	if decodeLines(t, &buf)[0]["level"] != "FATAL" {
		t.Fatalf("fatal level not rendered: %s", buf.String())
	}
}

func TestApplyConfigRedacts(t *testing.T) {
	l, err := ApplyConfig(Config{Level: "debug", Format: "json", RedactKeys: []string{"password"}})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	bl := l.(*BaseLogger)
	bl.outputs = []Output{NewWriterOutput(&buf)}
	l.Debug("connect", Str("password", "hunter2"))
	if got := decodeLines(t, &buf)[0]["password"]; got != "[REDACTED]" {
		t.Fatalf("password not redacted: %v", got)
	}
}

func TestApplyConfigRejectsUnknown(t *testing.T) {
	if _, err := ApplyConfig(Config{Level: "loud"}); err == nil {
		t.Fatal("expected level error")
	}
	if _, err := ApplyConfig(Config{Format: "xml"}); err == nil {
		t.Fatal("expected format error")
	}
}

func TestSamplerKeepsEveryNth(t *testing.T) {
	s := newSampler(2, 3)
	var kept int
	for i := 0; i < 11; i++ {
		if s.allow(0, "m") {
			kept++
		}
	}
	// 2 initial, then indices 2,5,8 of the remaining 9
	if kept != 5 {
		t.Fatalf("kept %d", kept)
	}
}

func TestToStdLogger(t *testing.T) {
	var buf bytes.Buffer
	std := ToStdLogger(newBufLogger(&buf), WarnLevel)
	std.Println("from http server")
	got := decodeLines(t, &buf)[0]
	if got["msg"] != "from http server" || got["level"] != "WARN" {
		t.Fatalf("unexpected: %v", got)
	}
}
