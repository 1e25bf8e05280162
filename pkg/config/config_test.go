package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Arena.Name == "" || cfg.Arena.SizeBytes == 0 {
		t.Fatalf("arena defaults missing: %+v", cfg.Arena)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "infershm.yaml")
	yaml := []byte(`
app_name: test-app
arena:
  name: bench
  size_bytes: 1048576
worker:
  copy_gpu: false
log:
  level: debug
`)
	if err := os.WriteFile(path, yaml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AppName != "test-app" {
		t.Fatalf("app_name = %q", cfg.AppName)
	}
	if cfg.Arena.Name != "bench" || cfg.Arena.SizeBytes != 1<<20 {
		t.Fatalf("arena = %+v", cfg.Arena)
	}
	if cfg.Worker.CopyGPU {
		t.Fatal("worker.copy_gpu override not applied")
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
}

func TestLoadRejectsBadLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "infershm.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for bad level")
	}
}
