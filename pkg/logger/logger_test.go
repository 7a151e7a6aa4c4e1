package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestAuditStreamWritesJSONToRotatedFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "relief.log")

	if err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{"discard"},
		Audit:       AuditConfig{Enabled: true, Path: auditPath, MaxSizeMB: 1},
	}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{OutputPaths: []string{"discard"}}) })

	Audit().Info("decision allocated", "decision_id", "d-1")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	f, err := os.Open(auditPath)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("audit log is empty")
	}
	var entry map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	if entry["decision_id"] != "d-1" || entry["stream"] != "audit" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{OutputPaths: []string{"discard"}, Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatal("expected error for empty audit path")
	}
}

func TestNamedFallsBackToDefault(t *testing.T) {
	if Named("watchtower") == nil {
		t.Fatal("named logger must never be nil")
	}
}
