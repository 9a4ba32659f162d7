package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		err  bool
	}{
		{"debug", LevelDebug, false},
		{" INFO ", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"err", LevelError, false},
		{"none", LevelOff, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, %v", tt.in, got, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Errorf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("ParseFormat accepted xml")
	}
}

func TestTextOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelInfo, Output: &buf})

	l.Framing().Debug("hidden")
	l.Framing().Info("packet sent", "type", "SQL_BATCH", "length", 512)
	l.Handshake().Error("handshake failed", errors.New("boom"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug entry written at info level")
	}
	if !strings.Contains(out, "INFO  [framing] packet sent length=512 type=SQL_BATCH") {
		t.Errorf("unexpected info line:\n%s", out)
	}
	if !strings.Contains(out, `[handshake] handshake failed error="boom"`) {
		t.Errorf("unexpected error line:\n%s", out)
	}
}

func TestCategoryLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{
		DefaultLevel:   LevelWarn,
		CategoryLevels: map[Category]Level{CategoryCapture: LevelDebug},
		Output:         &buf,
	})
	if !l.Capture().Enabled(LevelDebug) {
		t.Error("capture debug disabled despite override")
	}
	if l.Transport().Enabled(LevelInfo) {
		t.Error("transport info enabled at warn")
	}

	l.SetLevel(CategoryTransport, LevelOff)
	l.Transport().Error("dropped", nil)
	if buf.Len() != 0 {
		t.Errorf("output at LevelOff: %q", buf.String())
	}
}

func TestJSONOutputWithSession(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelDebug, Output: &buf, Format: FormatJSON})

	ctx := WithSessionID(context.Background(), "s-1")
	l.log(ctx, LevelWarn, CategoryCodec, "value clipped", nil, "field", "price")

	var entry struct {
		Level     string                 `json:"level"`
		Category  string                 `json:"category"`
		Message   string                 `json:"message"`
		SessionID string                 `json:"session_id"`
		Fields    map[string]interface{} `json:"fields"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON %q: %v", buf.String(), err)
	}
	if entry.Level != "WARN" || entry.Category != "codec" || entry.SessionID != "s-1" || entry.Fields["field"] != "price" {
		t.Errorf("entry = %+v", entry)
	}
}

func TestFieldLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelDebug, Output: &buf})
	fl := l.Transport().WithFields("session", "abc")
	fl.Info("connected", "address", "127.0.0.1:1433")
	if !strings.Contains(buf.String(), "address=127.0.0.1:1433 session=abc") {
		t.Errorf("fields not merged: %q", buf.String())
	}
}

func TestAsyncClose(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{DefaultLevel: LevelInfo, Output: &buf, AsyncBuffer: 16})
	for i := 0; i < 5; i++ {
		l.Capture().Info("recorded")
	}
	l.Close()
	l.Close()

	logged, dropped := l.Stats()
	if logged+dropped != 5 {
		t.Errorf("logged %d + dropped %d != 5", logged, dropped)
	}
	if got := strings.Count(buf.String(), "recorded"); int64(got) != logged {
		t.Errorf("%d lines written, %d logged", got, logged)
	}
}

func TestContextLogger(t *testing.T) {
	l := Discard()
	if FromContext(WithLogger(context.Background(), l)) != l {
		t.Error("FromContext did not return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Error("FromContext returned nil without a logger")
	}
	if SessionIDFromContext(context.Background()) != "" {
		t.Error("session id from empty context")
	}
}
