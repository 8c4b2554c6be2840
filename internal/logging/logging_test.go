package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("portal")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("connected", "address", "portal.example.com:6779")

	out := buf.String()
	if strings.Contains(out, `msg="INFO connected`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, "msg=connected") {
		t.Fatalf("expected plain connected message, got: %s", out)
	}
	if !strings.Contains(out, "component=portal") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "address=portal.example.com:6779") {
		t.Fatalf("expected address field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("endpoint")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestWithEndpointAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger := WithEndpoint(L("session"), "device-42", "sess-7")
	logger.Info("handshake complete")

	out := buf.String()
	if !strings.Contains(out, "endpointId=device-42") {
		t.Fatalf("expected endpointId field, got: %s", out)
	}
	if !strings.Contains(out, "sessionId=sess-7") {
		t.Fatalf("expected sessionId field, got: %s", out)
	}
}
