package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("InvalidLevel", func(t *testing.T) {
		if _, err := New(Config{Level: "loud", Format: "json"}); err == nil {
			t.Error("Expected error for invalid level")
		}
	})

	t.Run("FileOutput", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "sentinel.log")
		log, err := New(Config{
			Level:  "info",
			Format: "console",
			File:   &FileConfig{Enabled: true, Path: path, MaxSize: 1},
		})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}

		log.WithComponent("scanner").WithSource("app.js").Info("Rule skipped")
		log.Sync()

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("Log file not written: %v", err)
		}
		line := string(data)
		for _, want := range []string{`"component":"scanner"`, `"source_id":"app.js"`, "Rule skipped"} {
			if !strings.Contains(line, want) {
				t.Errorf("Log line missing %s: %s", want, line)
			}
		}
	})
}

func TestIsSensitiveHeader(t *testing.T) {
	for _, h := range []string{"Authorization", "X-Api-Key", "Cookie", "X-Access-Token"} {
		if !isSensitiveHeader(h) {
			t.Errorf("%s should be sensitive", h)
		}
	}
	if isSensitiveHeader("Content-Type") {
		t.Error("Content-Type should not be sensitive")
	}
}
