package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/salesflow/pkg/config"
	"github.com/zen-systems/salesflow/pkg/daily"
	"github.com/zen-systems/salesflow/pkg/pipeline"
	"github.com/zen-systems/salesflow/pkg/research"
	"github.com/zen-systems/salesflow/pkg/weekly"
)

type validation struct {
	Path string
	Kind string
	Err  error
}

// validatePatterns expands each glob and checks every matched file once.
func validatePatterns(patterns []string) ([]validation, error) {
	seen := map[string]bool{}
	var paths []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", pattern)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)

	out := make([]validation, 0, len(paths))
	for _, path := range paths {
		out = append(out, validateFile(path))
	}
	return out, nil
}

func validateFile(path string) validation {
	data, err := os.ReadFile(path)
	if err != nil {
		return validation{Path: path, Kind: "unreadable", Err: err}
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return validation{Path: path, Kind: "yaml", Err: err}
	}
	if _, ok := doc["task_types"]; ok {
		return validation{Path: path, Kind: "model table", Err: checkModelTable(data)}
	}
	m, err := pipeline.ParseManifest(data)
	if err != nil {
		return validation{Path: path, Kind: "pipeline", Err: err}
	}
	return validation{Path: path, Kind: "pipeline", Err: m.Check()}
}

func checkModelTable(data []byte) error {
	table, err := config.ParseModelTable(bytes.TrimSpace(data))
	if err != nil {
		return err
	}
	return checkTable(table, daily.RequiredTaskTypes...)
}

// checkTable requires the given task types and model names the alias
// registry knows.
func checkTable(table *config.ModelTable, required ...string) error {
	errs := []error{table.Validate(required...)}
	errs = append(errs, config.DefaultAliases().ValidateTable(table)...)
	return errors.Join(errs...)
}

// checkDefaults checks the configured table against every built-in
// pipeline, and the pipelines themselves.
func checkDefaults(cfg *config.Config) error {
	if err := checkTable(cfg.ModelTable, allTaskTypes()...); err != nil {
		return fmt.Errorf("model table: %w", err)
	}
	manifests := []struct {
		name string
		load func() (*pipeline.Manifest, error)
	}{
		{"daily", daily.Manifest},
		{"research", research.Manifest},
		{"weekly", weekly.Manifest},
	}
	for _, b := range manifests {
		m, err := b.load()
		if err != nil {
			return err
		}
		if err := m.Check(); err != nil {
			return fmt.Errorf("%s pipeline: %w", b.name, err)
		}
	}
	return nil
}

// allTaskTypes lists the task types of every built-in pipeline.
func allTaskTypes() []string {
	var out []string
	out = append(out, daily.RequiredTaskTypes...)
	out = append(out, research.RequiredTaskTypes...)
	return append(out, weekly.RequiredTaskTypes...)
}
