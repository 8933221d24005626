package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load with no files: %v", err)
	}

	if cfg.Capacity.MaxConcurrent != 4 {
		t.Errorf("default max_concurrent = %d, want 4", cfg.Capacity.MaxConcurrent)
	}
	if cfg.Scoring.PriorityWeight != 0.45 {
		t.Errorf("default priority_weight = %f, want 0.45", cfg.Scoring.PriorityWeight)
	}
	if cfg.Scoring.StarvationLimit != 2*time.Hour {
		t.Errorf("default starvation_limit = %v, want 2h", cfg.Scoring.StarvationLimit)
	}
	if _, ok := cfg.Discovery.Routes["defect-found"]; !ok {
		t.Error("default discovery routes missing defect-found")
	}
}

func TestLoadMergesProjectOverGlobal(t *testing.T) {
	dir := t.TempDir()

	globalPath := filepath.Join(dir, "global.yaml")
	if err := os.WriteFile(globalPath, []byte("capacity:\n  max_concurrent: 8\n  overcap_limit: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	projectPath := filepath.Join(dir, "project.yaml")
	if err := os.WriteFile(projectPath, []byte("capacity:\n  max_concurrent: 16\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Capacity.MaxConcurrent != 16 {
		t.Errorf("project should win: max_concurrent = %d, want 16", cfg.Capacity.MaxConcurrent)
	}
	if cfg.Capacity.OvercapLimit != 1 {
		t.Errorf("global value should survive: overcap_limit = %d, want 1", cfg.Capacity.OvercapLimit)
	}
	// Untouched sections keep defaults
	if cfg.Validation.SignatureLimit != 2 {
		t.Errorf("signature_limit = %d, want default 2", cfg.Validation.SignatureLimit)
	}
}

func TestLoadMissingFilesNotError(t *testing.T) {
	if _, err := Load("/nonexistent/global.yaml", "/nonexistent/project.yaml"); err != nil {
		t.Errorf("missing files should not error: %v", err)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("capacity: [not a map"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path, ""); err == nil {
		t.Error("malformed YAML should return an error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zero.yaml")
	if err := os.WriteFile(path, []byte("capacity:\n  max_concurrent: 0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path, ""); err == nil {
		t.Error("max_concurrent = 0 should be rejected")
	}
}
