package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func newCaptureAuditor(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestAuditor_Disabled(t *testing.T) {
	auditor, buf := newCaptureAuditor(false)

	auditor.LogTokenRefreshed("provider-1", "client-1", "access-token")

	if buf.Len() != 0 {
		t.Errorf("disabled auditor should not log, got %q", buf.String())
	}
}

func TestAuditor_LogTokenRefreshed(t *testing.T) {
	auditor, buf := newCaptureAuditor(true)

	auditor.LogTokenRefreshed("provider-1", "client-1", "access-token")

	out := buf.String()
	if !strings.Contains(out, EventTokenRefreshed) {
		t.Errorf("log output missing event type: %q", out)
	}
	if strings.Contains(out, "access-token") {
		t.Errorf("raw access token leaked into audit log: %q", out)
	}
}

func TestAuditor_LogClientRegistered(t *testing.T) {
	auditor, buf := newCaptureAuditor(true)

	auditor.LogClientRegistered("provider-1", "client-abc", "dynamic")

	out := buf.String()
	if !strings.Contains(out, EventClientRegistered) {
		t.Errorf("log output missing event type: %q", out)
	}
	if !strings.Contains(out, "client-abc") {
		t.Errorf("log output missing client id: %q", out)
	}
}

func Test_hashForLogging(t *testing.T) {
	h1 := hashForLogging("value-a")
	h2 := hashForLogging("value-a")
	h3 := hashForLogging("value-b")

	if h1 != h2 {
		t.Error("hashForLogging should be deterministic")
	}
	if h1 == h3 {
		t.Error("different values should produce different hashes")
	}
	if len(h1) != 16 {
		t.Errorf("hash length = %d, want 16", len(h1))
	}
	if hashForLogging("") != "" {
		t.Error("empty value should hash to empty string")
	}
}
