package research

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zen-systems/salesflow/pkg/daily"
)

// SnapshotSource looks leads up in the snapshot a daily.LeadSource returns.
// Open and closed leads can both be researched.
type SnapshotSource struct {
	Leads daily.LeadSource
	// Now is the as_of passed to Fetch. Defaults to time.Now.
	Now func() time.Time
}

func (s *SnapshotSource) fetch(ctx context.Context) (*daily.Snapshot, error) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return s.Leads.Fetch(ctx, now())
}

// Lead implements Source.
func (s *SnapshotSource) Lead(ctx context.Context, id string) (daily.Lead, error) {
	snap, err := s.fetch(ctx)
	if err != nil {
		return daily.Lead{}, err
	}
	for _, group := range [][]daily.Lead{snap.Leads, snap.Closed} {
		for _, l := range group {
			if l.ID == id {
				return l, nil
			}
		}
	}
	return daily.Lead{}, fmt.Errorf("%w: %s", ErrLeadNotFound, id)
}

// WonDeals implements Source.
func (s *SnapshotSource) WonDeals(ctx context.Context) ([]daily.Lead, error) {
	snap, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	var won []daily.Lead
	for _, l := range snap.Closed {
		if l.Status == daily.StatusWon {
			won = append(won, l)
		}
	}
	return won, nil
}

// FileSink writes each lead's research to Dir/<lead id>.json, replacing
// any earlier research for the lead.
type FileSink struct {
	Dir string
}

// Path is where research for leadID is kept.
func (s *FileSink) Path(leadID string) (string, error) {
	if leadID == "" || strings.ContainsAny(leadID, `/\`) || leadID == "." || leadID == ".." {
		return "", fmt.Errorf("invalid lead id %q", leadID)
	}
	return filepath.Join(s.Dir, leadID+".json"), nil
}

// SaveResearch implements Sink.
func (s *FileSink) SaveResearch(ctx context.Context, r LeadResearch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.Path(r.LeadID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads the saved research for leadID.
func (s *FileSink) Load(leadID string) (*LeadResearch, error) {
	path, err := s.Path(leadID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: no research for %s", ErrLeadNotFound, leadID)
	}
	if err != nil {
		return nil, err
	}
	var r LeadResearch
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode research %s: %w", path, err)
	}
	return &r, nil
}

// MemorySink keeps research in memory, by lead.
type MemorySink struct {
	mu    sync.Mutex
	saved map[string]LeadResearch
	Saves int
	Err   error
}

// SaveResearch implements Sink.
func (s *MemorySink) SaveResearch(_ context.Context, r LeadResearch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if s.saved == nil {
		s.saved = make(map[string]LeadResearch)
	}
	s.saved[r.LeadID] = r
	s.Saves++
	return nil
}

// Get returns the research saved for leadID.
func (s *MemorySink) Get(leadID string) (LeadResearch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.saved[leadID]
	return r, ok
}
