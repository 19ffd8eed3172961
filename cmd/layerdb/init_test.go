package main

import (
	"os"
	"path/filepath"
	"testing"

	"layerdb/pkg/config"
)

func TestInitConfig(t *testing.T) {
	dir := t.TempDir()

	cfg, err := initConfig(filepath.Join(dir, "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if cfg.Storage.Dir != config.Default().Storage.Dir {
		t.Fatalf("missing file gave storage dir %q", cfg.Storage.Dir)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("storage: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := initConfig(bad); err == nil {
		t.Fatal("malformed file loaded without error")
	}
}
