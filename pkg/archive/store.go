// Package archive keeps last-known-good snapshots of pipeline output so a
// failed run can still deliver something. Objects are content addressed;
// a small index maps each pipeline to its newest snapshot.
package archive

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// ErrNotFound is returned when no object or snapshot exists for a key.
var ErrNotFound = errors.New("archive: not found")

// Store is a flat key/value blob store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Snapshot is a saved pipeline output.
type Snapshot struct {
	RunID      string          `json:"run_id"`
	PipelineID string          `json:"pipeline_id"`
	CreatedAt  time.Time       `json:"created_at"`
	Digest     string          `json:"digest,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// Age reports how old the snapshot is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Archive writes snapshots to a Store.
type Archive struct {
	store Store
	now   func() time.Time
}

// New returns an archive over store.
func New(store Store) *Archive {
	return &Archive{store: store, now: time.Now}
}

// SaveSnapshot stores payload as the latest snapshot for pipelineID.
func (a *Archive) SaveSnapshot(ctx context.Context, pipelineID, runID string, payload any) (*Snapshot, error) {
	if pipelineID == "" {
		return nil, fmt.Errorf("pipeline id is required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot payload: %w", err)
	}
	sum := blake3.Sum256(raw)
	snap := &Snapshot{
		RunID:      runID,
		PipelineID: pipelineID,
		CreatedAt:  a.now().UTC(),
		Digest:     hex.EncodeToString(sum[:]),
		Payload:    raw,
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	key := objectKey(snap.Digest)
	if err := a.store.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	if err := a.store.Put(ctx, indexKey(pipelineID), []byte(key)); err != nil {
		return nil, fmt.Errorf("update latest index: %w", err)
	}
	return snap, nil
}

// Latest loads the newest snapshot for pipelineID.
func (a *Archive) Latest(ctx context.Context, pipelineID string) (*Snapshot, error) {
	ref, err := a.store.Get(ctx, indexKey(pipelineID))
	if err != nil {
		return nil, err
	}
	data, err := a.store.Get(ctx, string(ref))
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", ref, err)
	}
	return &snap, nil
}

// objectKey shards by the first two digest characters.
func objectKey(digest string) string {
	return "objects/" + digest[:2] + "/" + digest + ".json"
}

func indexKey(pipelineID string) string {
	return "indexes/latest/" + pipelineID
}
