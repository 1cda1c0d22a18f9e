package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestSetupEmitsStructuredJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := Setup("forechaind", "test", Options{Level: "debug", Output: &buf})
	logger.Debug("escrow operation rejected", "op", "acceptProject", MaskField("token", "abc"))

	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["severity"] != "DEBUG" || line["message"] != "escrow operation rejected" {
		t.Fatalf("unexpected envelope: %v", line)
	}
	if line["service"] != "forechaind" || line["env"] != "test" {
		t.Fatalf("missing service attrs: %v", line)
	}
	if line["token"] != RedactedValue {
		t.Fatalf("token not redacted: %v", line["token"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatalf("missing timestamp: %v", line)
	}
}

func TestSetupRespectsLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := Setup("forechaind", "", Options{Level: "warn", Output: &buf})
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info line should be filtered at warn: %s", buf.String())
	}
}

func TestSetupWritesRotatingFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "forechaind.log")
	var buf bytes.Buffer
	logger := Setup("forechaind", "", Options{File: path, MaxSizeMB: 1, Output: &buf})
	logger.Info("written to file")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte("written to file")) {
		t.Fatalf("log file missing line: %s", data)
	}
}

func TestMaskField(t *testing.T) {
	if attr := MaskField("op", "createProject"); attr.Value.String() != "createProject" {
		t.Fatalf("allowlisted key masked: %v", attr)
	}
	if attr := MaskField("authorization", "Bearer x"); attr.Value.String() != RedactedValue {
		t.Fatalf("sensitive key not masked: %v", attr)
	}
	if attr := MaskField("authorization", " "); attr.Value.String() != " " {
		t.Fatalf("empty value should pass through: %v", attr)
	}
}
