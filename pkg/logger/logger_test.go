package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAuditWriterDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	w := newAuditWriter(AuditConfig{Path: path})
	defer w.Close()
	if w.MaxSize != defaultMaxSizeMB || w.MaxBackups != defaultMaxBackups || w.MaxAge != defaultMaxAgeDays {
		t.Fatalf("defaults not applied: %+v", w)
	}

	custom := newAuditWriter(AuditConfig{Path: path, MaxSizeMB: 5, MaxBackups: 2, MaxAgeDays: 1})
	if custom.MaxSize != 5 || custom.MaxBackups != 2 || custom.MaxAge != 1 {
		t.Fatalf("custom limits ignored: %+v", custom)
	}

	if _, err := w.Write([]byte("INVOKED\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if string(content) != "INVOKED\n" {
		t.Fatalf("unexpected content: %q", content)
	}
}

func TestInitWritesToFileAndAudit(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "oracle.log")
	auditPath := filepath.Join(dir, "audit", "ritual.log")

	err := Init(Config{
		Level:       "debug",
		Format:      "text",
		OutputPaths: []string{logPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("ritual").Debug("hello", "session_id", "s1")
	Audit().Info("ritual_transition", "state", "INVOKED")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(content), "component=ritual") {
		t.Fatalf("component attribute missing: %s", content)
	}
	audit, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(audit), `"state":"INVOKED"`) {
		t.Fatalf("audit entry missing: %s", audit)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARNING": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
