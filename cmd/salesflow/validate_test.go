package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zen-systems/salesflow/pkg/config"
	"github.com/zen-systems/salesflow/pkg/weekly"
)

const goodTable = `
task_types:
  scoring:
    primary: {adapter: mock, model: mock-1}
    fallback: {adapter: mock, model: mock-2}
    timeout: 30s
  anomaly_detection:
    primary: {adapter: mock, model: mock-1}
    timeout: 30s
  brief_generation:
    primary: {adapter: mock, model: mock-1}
    timeout: 45s
`

const partialTable = `
task_types:
  scoring:
    primary: {adapter: mock, model: mock-1}
    timeout: 30s
`

const goodPipeline = `
id: weekly
entry: fetch
stages:
  - {name: fetch, writes: [leads]}
  - {name: report, reads: [leads], writes: [report]}
edges:
  - {from: fetch, to: report}
`

const cyclicPipeline = `
id: loop
entry: a
stages:
  - {name: a, writes: [x]}
  - {name: b, writes: [y]}
edges:
  - {from: a, to: b}
  - {from: b, to: a}
`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestValidatePatterns(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"models/good.yaml":        goodTable,
		"models/partial.yaml":     partialTable,
		"pipelines/weekly.yaml":   goodPipeline,
		"pipelines/nested/a.yaml": cyclicPipeline,
	})

	results, err := validatePatterns([]string{filepath.Join(dir, "**", "*.yaml"), filepath.Join(dir, "models", "good.yaml")})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected 4 distinct files, got %d", len(results))
	}
	byName := map[string]validation{}
	for _, r := range results {
		rel, _ := filepath.Rel(dir, r.Path)
		byName[filepath.ToSlash(rel)] = r
	}

	tests := []struct {
		file    string
		kind    string
		wantErr string
	}{
		{"models/good.yaml", "model table", ""},
		{"models/partial.yaml", "model table", "brief_generation"},
		{"pipelines/weekly.yaml", "pipeline", ""},
		{"pipelines/nested/a.yaml", "pipeline", "cycle"},
	}
	for _, tt := range tests {
		r, ok := byName[tt.file]
		if !ok {
			t.Fatalf("%s not validated", tt.file)
		}
		if r.Kind != tt.kind {
			t.Fatalf("%s: expected kind %q, got %q", tt.file, tt.kind, r.Kind)
		}
		if tt.wantErr == "" {
			if r.Err != nil {
				t.Fatalf("%s: unexpected error %v", tt.file, r.Err)
			}
			continue
		}
		if r.Err == nil || !strings.Contains(r.Err.Error(), tt.wantErr) {
			t.Fatalf("%s: expected error containing %q, got %v", tt.file, tt.wantErr, r.Err)
		}
	}
}

func TestValidatePatternsNoMatch(t *testing.T) {
	if _, err := validatePatterns([]string{filepath.Join(t.TempDir(), "*.yaml")}); err == nil {
		t.Fatalf("expected error for a pattern with no matches")
	}
}

func TestCheckDefaultsCoversEveryPipeline(t *testing.T) {
	cfg := &config.Config{ModelTable: config.DefaultModelTable()}
	if err := checkDefaults(cfg); err != nil {
		t.Fatalf("default table: %v", err)
	}
	delete(cfg.ModelTable.TaskTypes, weekly.TaskWeeklyReport)
	err := checkDefaults(cfg)
	if err == nil || !strings.Contains(err.Error(), weekly.TaskWeeklyReport) {
		t.Fatalf("expected the weekly report task type to be required, got %v", err)
	}
}
