package main

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDSL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dsl.txt")
	if err := os.WriteFile(path, []byte(`{"settings":{"system_id":"demo"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	dsl, err := loadDSL(path)
	if err != nil {
		t.Fatalf("loadDSL: %v", err)
	}
	settings, ok := dsl["settings"].(map[string]interface{})
	if !ok || settings["system_id"] != "demo" {
		t.Fatalf("unexpected dsl %+v", dsl)
	}
}

func TestLoadDSLErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := loadDSL(filepath.Join(dir, "missing.txt")); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}

	bad := filepath.Join(dir, "bad.txt")
	if err := os.WriteFile(bad, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadDSL(bad); err == nil {
		t.Fatal("expected parse error")
	}
}
