package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestIsSensitive(t *testing.T) {
	for _, key := range []string{"producer_key", "Producer_Key", " signature ", "wif"} {
		if !IsSensitive(key) {
			t.Fatalf("%q should be sensitive", key)
		}
	}
	for _, key := range []string{"block", "error", "producer"} {
		if IsSensitive(key) {
			t.Fatalf("%q should not be sensitive", key)
		}
	}
}

func TestMaskValue(t *testing.T) {
	if got := MaskValue("deadbeef"); got != RedactedValue {
		t.Fatalf("MaskValue = %q", got)
	}
	if got := MaskValue("  "); got != "  " {
		t.Fatal("empty values must pass through unchanged")
	}
}

func TestMaskField(t *testing.T) {
	attr := MaskField("api_token", "abc123")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("MaskField value = %q", attr.Value.String())
	}
}

func TestHandlerMasksSensitiveAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := setup("test", "", &buf)
	logger.Info("starting", "producer_key", "deadbeefcafe", "height", 7)

	out := buf.String()
	if strings.Contains(out, "deadbeefcafe") {
		t.Fatalf("signing material leaked into log output: %s", out)
	}
	if !strings.Contains(out, RedactedValue) {
		t.Fatalf("expected redaction placeholder in output: %s", out)
	}
	if !strings.Contains(out, `"height":7`) {
		t.Fatalf("non-sensitive attrs must pass through: %s", out)
	}

	// Restore the default logger for other tests in the package.
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
}
