// Package evidence persists the execution run log: one directory per run
// holding run.json, one record per stage and content-addressed blobs.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/zen-systems/salesflow/pkg/pipeline"
)

// ErrNotFound is returned by Load for unknown run ids.
var ErrNotFound = errors.New("run not found")

// RunRecord captures run-level metadata.
type RunRecord struct {
	ID           string            `json:"id"`
	PipelineID   string            `json:"pipeline_id"`
	Status       string            `json:"status"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	Deadline     time.Time         `json:"deadline,omitempty"`
	TimedOut     bool              `json:"timed_out,omitempty"`
	Trigger      string            `json:"trigger,omitempty"`
	StateFields  []string          `json:"state_fields,omitempty"`
	StateBlob    string            `json:"state_blob,omitempty"`
	StateError   string            `json:"state_error,omitempty"`
	Notes        []string          `json:"notes,omitempty"`
	ToolVersions map[string]string `json:"tool_versions,omitempty"`
}

// StageRecord captures the result of a single stage.
type StageRecord struct {
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	SkipReason     string    `json:"skip_reason,omitempty"`
	Written        []string  `json:"written,omitempty"`
	Errors         []string  `json:"errors,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	DurationMillis int64     `json:"duration_ms"`
}

// Bundle is a run with its stages, as loaded back from disk.
type Bundle struct {
	Run    RunRecord     `json:"run"`
	Stages []StageRecord `json:"stages"`
}

// FromRun converts an executed run into its records.
func FromRun(run *pipeline.Run) (RunRecord, []StageRecord) {
	rec := RunRecord{
		ID:           run.ID,
		PipelineID:   run.PipelineID,
		Status:       string(run.Status),
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		Deadline:     run.Deadline,
		TimedOut:     run.TimedOut,
		ToolVersions: map[string]string{"go": runtime.Version()},
	}
	for k := range run.State {
		rec.StateFields = append(rec.StateFields, k)
	}
	sort.Strings(rec.StateFields)

	stages := make([]StageRecord, 0, len(run.Stages))
	for _, s := range run.Stages {
		stages = append(stages, StageRecord{
			Name:           s.Name,
			Status:         string(s.Status),
			SkipReason:     s.SkipReason,
			Written:        s.Written,
			Errors:         s.Errors,
			StartedAt:      s.StartedAt,
			DurationMillis: s.Duration().Milliseconds(),
		})
	}
	return rec, stages
}

// Writer writes evidence bundles to disk.
type Writer struct {
	baseDir string
	runDir  string
}

// NewWriter creates a new evidence writer rooted at baseDir/runID.
func NewWriter(baseDir, runID string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return nil, fmt.Errorf("invalid run ID %q", runID)
	}

	runDir := filepath.Join(baseDir, runID)
	for _, dir := range []string{runDir, filepath.Join(runDir, "stages"), filepath.Join(runDir, "blobs")} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
		if err := os.Chmod(dir, 0700); err != nil {
			return nil, err
		}
	}

	return &Writer{baseDir: baseDir, runDir: runDir}, nil
}

// RunDir returns the run directory path.
func (w *Writer) RunDir() string {
	return w.runDir
}

// WriteRun writes run metadata to run.json.
func (w *Writer) WriteRun(record RunRecord) error {
	return writeJSON(filepath.Join(w.runDir, "run.json"), record)
}

// WriteStage writes a stage record to stages/<stage>.json.
func (w *Writer) WriteStage(record StageRecord) error {
	if record.Name == "" || strings.ContainsAny(record.Name, `/\`) {
		return fmt.Errorf("invalid stage name %q", record.Name)
	}
	path := filepath.Join(w.runDir, "stages", fmt.Sprintf("%s.json", record.Name))
	return writeJSON(path, record)
}

// WriteBlob stores data under blobs/<kind>-<sha256> and returns the
// run-relative reference and the digest. Writing the same content twice
// yields the same reference.
func (w *Writer) WriteBlob(kind string, data []byte) (string, string, error) {
	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])
	ext := ".txt"
	if json.Valid(data) {
		ext = ".json"
	}
	ref := "blobs/" + sanitizeKind(kind) + "-" + sha + ext
	if err := os.WriteFile(filepath.Join(w.runDir, filepath.FromSlash(ref)), data, 0600); err != nil {
		return "", "", err
	}
	return ref, sha, nil
}

func sanitizeKind(kind string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(kind) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '-':
			b.WriteRune('_')
		}
	}
	kind = strings.Trim(b.String(), "_")
	if kind == "" {
		return "blob"
	}
	return kind
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads the bundle for one run.
func Load(baseDir, runID string) (*Bundle, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, runID)
	}
	runDir := filepath.Join(baseDir, runID)
	data, err := os.ReadFile(filepath.Join(runDir, "run.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b.Run); err != nil {
		return nil, fmt.Errorf("decode %s/run.json: %w", runID, err)
	}

	entries, err := os.ReadDir(filepath.Join(runDir, "stages"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(runDir, "stages", e.Name()))
		if err != nil {
			return nil, err
		}
		var s StageRecord
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("decode %s/stages/%s: %w", runID, e.Name(), err)
		}
		b.Stages = append(b.Stages, s)
	}
	sort.Slice(b.Stages, func(i, j int) bool {
		if b.Stages[i].StartedAt.Equal(b.Stages[j].StartedAt) {
			return b.Stages[i].Name < b.Stages[j].Name
		}
		if b.Stages[i].StartedAt.IsZero() != b.Stages[j].StartedAt.IsZero() {
			return !b.Stages[i].StartedAt.IsZero()
		}
		return b.Stages[i].StartedAt.Before(b.Stages[j].StartedAt)
	})
	return &b, nil
}

// List returns the runs that started in [since, until), newest first. Zero
// bounds are open. Directories without a readable run.json are ignored.
func List(baseDir string, since, until time.Time) ([]RunRecord, error) {
	entries, err := os.ReadDir(baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []RunRecord
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(baseDir, e.Name(), "run.json"))
		if err != nil {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if !since.IsZero() && rec.StartedAt.Before(since) {
			continue
		}
		if !until.IsZero() && !rec.StartedAt.Before(until) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// Recorder persists executed runs under a base directory.
type Recorder struct {
	BaseDir string
}

// SaveRun writes run.json, every stage record and a blob holding the final
// state. A state that cannot be encoded is noted on the run record instead
// of failing the save. It returns the run directory.
func (r *Recorder) SaveRun(run *pipeline.Run, trigger string, notes ...string) (string, error) {
	if run == nil {
		return "", fmt.Errorf("run is required")
	}
	w, err := NewWriter(r.BaseDir, run.ID)
	if err != nil {
		return "", err
	}
	rec, stages := FromRun(run)
	rec.Trigger = trigger
	rec.Notes = append(rec.Notes, notes...)

	if len(run.State) > 0 {
		data, err := json.MarshalIndent(run.State, "", "  ")
		if err != nil {
			rec.StateError = err.Error()
		} else if ref, _, err := w.WriteBlob("state", data); err != nil {
			rec.StateError = err.Error()
		} else {
			rec.StateBlob = ref
		}
	}

	for _, s := range stages {
		if err := w.WriteStage(s); err != nil {
			return "", fmt.Errorf("write stage %s: %w", s.Name, err)
		}
	}
	if err := w.WriteRun(rec); err != nil {
		return "", fmt.Errorf("write run: %w", err)
	}
	return w.RunDir(), nil
}

// ListRuns lists runs under BaseDir.
func (r *Recorder) ListRuns(_ context.Context, since, until time.Time) ([]RunRecord, error) {
	return List(r.BaseDir, since, until)
}

// GetRun loads one run from BaseDir.
func (r *Recorder) GetRun(_ context.Context, id string) (*Bundle, error) {
	return Load(r.BaseDir, id)
}
