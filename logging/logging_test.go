package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewJSONMasksSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Output = &buf

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.With(zap.String("token", "tok-123")).Info("reset requested",
		zap.String("account_id", "a1"),
		zap.String("Password", "hunter22"),
	)
	_ = logger.Sync()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Unmarshal failed: %v (%s)", err, buf.String())
	}
	if entry["msg"] != "reset requested" || entry["account_id"] != "a1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["token"] != mask || entry["Password"] != mask {
		t.Fatalf("expected sensitive fields masked, got %v", entry)
	}
	if entry["logger"] != "finauth" {
		t.Fatalf("expected logger name, got %v", entry["logger"])
	}
}

func TestNewLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Level = "warn"
	cfg.Output = &buf

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "verbose"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected unknown level to fail")
	}

	cfg = DefaultConfig()
	cfg.Format = "xml"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected unknown format to fail")
	}
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "finauth.log")
	cfg := DefaultConfig()
	cfg.Format = "console"
	cfg.Output = &bytes.Buffer{}
	cfg.File = path

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("to file", zap.String("secret", "s3cr3t"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Fatalf("expected file output, got %s", data)
	}
	if strings.Contains(string(data), "s3cr3t") {
		t.Fatal("secret leaked into log file")
	}
}
