package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("debug", "json", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug().Str("session_id", "s1").Msg("hello")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if line["message"] != "hello" || line["session_id"] != "s1" || line["service"] != "signalbox" {
		t.Errorf("line = %v", line)
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("warn", "", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info().Msg("dropped")
	if buf.Len() != 0 {
		t.Errorf("info written at warn level: %q", buf.String())
	}
	log.Warn().Msg("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("warn not written: %q", buf.String())
	}
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := New("INFO", "console", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info().Msg("plain")
	if strings.HasPrefix(buf.String(), "{") {
		t.Errorf("console output looks like JSON: %q", buf.String())
	}
}

func TestNew_Errors(t *testing.T) {
	if _, err := New("loud", "json", nil); err == nil {
		t.Error("expected error for invalid level")
	}
	if _, err := New("info", "xml", nil); err == nil {
		t.Error("expected error for invalid format")
	}
}
