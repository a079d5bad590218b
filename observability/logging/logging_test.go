package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupWritesStructuredLines(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})

	var buf bytes.Buffer
	file := filepath.Join(t.TempDir(), "certd.log")
	logger := Setup(Options{Service: "certd", Env: "test", Level: "warn", File: file, Output: &buf})

	logger.Info("dropped below level")
	logger.Warn("ledger unhealthy", MaskField("recipient", "ada@example.com"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("expected exactly one json line, got %q: %v", buf.String(), err)
	}
	if line["message"] != "ledger unhealthy" || line["severity"] != "WARN" || line["service"] != "certd" || line["env"] != "test" {
		t.Fatalf("unexpected line %v", line)
	}
	if line["recipient"] != RedactedValue+"@example.com" {
		t.Fatalf("expected masked recipient, got %v", line["recipient"])
	}

	data, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read rotated file: %v", err)
	}
	if !bytes.Contains(data, []byte("ledger unhealthy")) {
		t.Fatalf("expected file sink to receive the line")
	}
}

func TestMaskField(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"certificate_id", "abc", "abc"},
		{"password", "hunter2", RedactedValue},
		{"recipient", "", ""},
		{"recipient", "not-an-email@", RedactedValue},
	}
	for _, tc := range cases {
		if got := MaskField(tc.key, tc.value).Value.String(); got != tc.want {
			t.Fatalf("MaskField(%s, %s) = %s, want %s", tc.key, tc.value, got, tc.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("DEBUG") != slog.LevelDebug || ParseLevel("bogus") != slog.LevelInfo || ParseLevel("warning") != slog.LevelWarn {
		t.Fatalf("unexpected level mapping")
	}
}
