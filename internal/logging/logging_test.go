package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/apex/log"
)

func TestSetupJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := SetupWriter(&buf, "warn", "json"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer func() { _ = SetupWriter(&buf, "info", "discard") }()

	log.Info("hidden")
	log.WithField("backend", "gemini").Warn("attempt failed")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected info to be filtered at warn level")
	}
	if !strings.Contains(out, `"backend":"gemini"`) {
		t.Fatalf("expected json fields, got %s", out)
	}
}

func TestSetupRejectsUnknown(t *testing.T) {
	if err := SetupWriter(&bytes.Buffer{}, "loud", "text"); err == nil {
		t.Fatalf("expected bad level error")
	}
	if err := SetupWriter(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Fatalf("expected bad format error")
	}
}
