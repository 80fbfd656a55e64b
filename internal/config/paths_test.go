package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestPathsShareDataDir(t *testing.T) {
	dataDir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	if filepath.Base(dataDir) != ".parley" {
		t.Fatalf("data dir = %q", dataDir)
	}

	checks := []struct {
		name string
		fn   func() (string, error)
		base string
	}{
		{"config", ConfigPath, "config.toml"},
		{"token", TokenPath, "token"},
		{"store", StorePath, "threads.db"},
		{"stream log", StreamLogPath, "stream.log"},
	}
	for _, check := range checks {
		path, err := check.fn()
		if err != nil {
			t.Fatalf("%s path: %v", check.name, err)
		}
		if !strings.HasPrefix(path, dataDir) {
			t.Fatalf("%s path %q outside data dir %q", check.name, path, dataDir)
		}
		if filepath.Base(path) != check.base {
			t.Fatalf("%s path = %q, want base %q", check.name, path, check.base)
		}
	}
}
