package weekly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zen-systems/salesflow/pkg/archive"
)

// ArchiveStore keeps reports in the snapshot archive, one index entry per
// week, so a rerun for the same week replaces the report.
type ArchiveStore struct {
	Archive *archive.Archive
}

func reportKey(weekStart time.Time) string {
	return PipelineID + "-" + weekStart.Format("2006-01-02")
}

// SaveReport implements ReportStore.
func (s *ArchiveStore) SaveReport(ctx context.Context, r Report) error {
	_, err := s.Archive.SaveSnapshot(ctx, reportKey(r.WeekStart), r.RunID, r)
	return err
}

// LoadReport implements ReportStore.
func (s *ArchiveStore) LoadReport(ctx context.Context, weekStart time.Time) (*Report, error) {
	snap, err := s.Archive.Latest(ctx, reportKey(weekStart))
	if errors.Is(err, archive.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, weekStart.Format("2006-01-02"))
	}
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(snap.Payload, &r); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", snap.Digest, err)
	}
	return &r, nil
}

// MemoryStore keeps reports in memory.
type MemoryStore struct {
	mu      sync.Mutex
	reports map[string]Report
	Err     error
}

// SaveReport implements ReportStore.
func (s *MemoryStore) SaveReport(_ context.Context, r Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	if s.reports == nil {
		s.reports = make(map[string]Report)
	}
	s.reports[reportKey(r.WeekStart)] = r
	return nil
}

// LoadReport implements ReportStore.
func (s *MemoryStore) LoadReport(_ context.Context, weekStart time.Time) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[reportKey(weekStart)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, weekStart.Format("2006-01-02"))
	}
	return &r, nil
}
