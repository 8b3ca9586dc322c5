package daily

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/salesflow/pkg/notify"
)

// FileSource reads a Snapshot from a JSON file. Scores saved by a FileSink
// next to it are merged in so unchanged leads are not re-scored.
type FileSource struct {
	Path string
	// ScoresPath, when set, is the scores.json written by a FileSink.
	ScoresPath string
}

// Fetch implements LeadSource.
func (s *FileSource) Fetch(ctx context.Context, _ time.Time) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read leads: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode leads %s: %w", s.Path, err)
	}
	if s.ScoresPath == "" {
		return &snap, nil
	}
	data, err = os.ReadFile(s.ScoresPath)
	if os.IsNotExist(err) {
		return &snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scores: %w", err)
	}
	var scores map[string]LeadScore
	if err := json.Unmarshal(data, &scores); err != nil {
		return nil, fmt.Errorf("decode scores %s: %w", s.ScoresPath, err)
	}
	for i := range snap.Leads {
		if sc, ok := scores[snap.Leads[i].ID]; ok {
			sc := sc
			snap.Leads[i].Score = &sc
		}
	}
	return &snap, nil
}

// FileSink writes results as JSON files under Dir: scores.json (by lead
// id, read back by FileSource) and <date>-results.json.
type FileSink struct {
	Dir string
}

// ScoresPath is where scores are kept.
func (s *FileSink) ScoresPath() string {
	return filepath.Join(s.Dir, "scores.json")
}

// Save implements LeadSink. Pending leads keep their stored score.
func (s *FileSink) Save(ctx context.Context, results Results) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return err
	}
	scores := make(map[string]LeadScore)
	if data, err := os.ReadFile(s.ScoresPath()); err == nil {
		if err := json.Unmarshal(data, &scores); err != nil {
			return fmt.Errorf("decode scores: %w", err)
		}
	}
	for _, sl := range results.Scores {
		if !sl.Pending {
			scores[sl.ID] = sl.Current
		}
	}
	if err := writeJSONFile(s.ScoresPath(), scores); err != nil {
		return err
	}
	name := results.AsOf.Format("2006-01-02") + "-results.json"
	return writeJSONFile(filepath.Join(s.Dir, name), results)
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// MemorySink keeps saved results in memory.
type MemorySink struct {
	mu    sync.Mutex
	Saved []Results
	Err   error
}

// Save implements LeadSink.
func (s *MemorySink) Save(_ context.Context, results Results) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Saved = append(s.Saved, results)
	return nil
}

// Last returns the most recent save.
func (s *MemorySink) Last() (Results, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Saved) == 0 {
		return Results{}, false
	}
	return s.Saved[len(s.Saved)-1], true
}

// StaticSource returns a fixed snapshot.
type StaticSource struct {
	Snapshot *Snapshot
	Err      error
}

// Fetch implements LeadSource.
func (s *StaticSource) Fetch(context.Context, time.Time) (*Snapshot, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Snapshot, nil
}

type recipientsFile struct {
	Recipients []notify.Recipient `yaml:"recipients"`
}

// LoadDirectory reads escalation and failure recipients (managers,
// founders, on-call) from YAML. A missing file is an empty directory.
func LoadDirectory(path string) (*notify.MemoryDirectory, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return notify.NewMemoryDirectory(), nil
	}
	if err != nil {
		return nil, err
	}
	var f recipientsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse recipients %s: %w", path, err)
	}
	return notify.NewMemoryDirectory(f.Recipients...), nil
}
