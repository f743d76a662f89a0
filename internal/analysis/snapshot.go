package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/callstack/internal/attribute"
	"github.com/getsentry/callstack/internal/callstack"
	"github.com/getsentry/callstack/internal/flamechart"
	"github.com/getsentry/callstack/internal/interval"
	"github.com/getsentry/callstack/internal/storageutil"
)

// Snapshot is the persisted form of a finished analysis.
type Snapshot struct {
	Version    int                 `json:"version"`
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	CreatedAt  time.Time           `json:"created_at"`
	Start      int64               `json:"start"`
	End        int64               `json:"end"`
	Watermark  int64               `json:"watermark"`
	Events     int                 `json:"events"`
	Threads    int                 `json:"threads"`
	Anomalies  callstack.Anomalies `json:"anomalies"`
	Warnings   []callstack.Warning `json:"warnings,omitempty"`
	Attributes attribute.Snapshot  `json:"attributes"`
	Intervals  interval.Snapshot   `json:"intervals"`
}

var (
	ErrNotFound        = errors.New("analysis: not found")
	ErrVersionMismatch = errors.New("analysis: snapshot built by another version")
)

// StoragePath returns where the snapshot of an analysis is stored.
func StoragePath(id string) string {
	return fmt.Sprintf("analyses/%s/v%d", id, callstack.Version)
}

func (a *Analysis) Snapshot() (Snapshot, error) {
	if !a.Done() {
		return Snapshot{}, ErrNotFinished
	}
	start, end := a.Bounds()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return Snapshot{}, fmt.Errorf("analysis: can't snapshot a failed analysis: %w", a.err)
	}
	return Snapshot{
		Version:    callstack.Version,
		ID:         a.ID,
		Name:       a.Name,
		CreatedAt:  a.CreatedAt,
		Start:      start,
		End:        end,
		Watermark:  a.Watermark(),
		Events:     a.events,
		Threads:    a.threads,
		Anomalies:  a.anomalies,
		Warnings:   a.warnings,
		Attributes: a.tree.Snapshot(),
		Intervals:  a.store.Snapshot(),
	}, nil
}

// Restore rebuilds a completed analysis from a snapshot.
func Restore(s Snapshot) (*Analysis, error) {
	if s.Version != callstack.Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, s.Version, callstack.Version)
	}
	tree, err := attribute.Restore(s.Attributes)
	if err != nil {
		return nil, err
	}
	store, err := interval.Restore(s.Intervals)
	if err != nil {
		return nil, err
	}
	a := &Analysis{
		ID:        s.ID,
		Name:      s.Name,
		CreatedAt: s.CreatedAt,
		tree:      tree,
		store:     store,
		done:      make(chan struct{}),
		status:    StatusCompleted,
		warnings:  s.Warnings,
		anomalies: s.Anomalies,
		events:    s.Events,
		threads:   s.Threads,
	}
	a.provider = flamechart.NewProvider(s.Name, tree, store, a)
	a.start.Store(s.Start)
	a.started.Store(true)
	a.watermark.Store(s.Watermark)
	a.end.Store(s.End)
	a.finished.Store(true)
	close(a.done)
	return a, nil
}

// Save persists the snapshot of a finished analysis.
func (a *Analysis) Save(ctx context.Context, h storageutil.ObjectHandler) error {
	s, err := a.Snapshot()
	if err != nil {
		return err
	}
	return storageutil.CompressedWrite(ctx, h, StoragePath(a.ID), s)
}

// Load restores a previously saved analysis.
func Load(ctx context.Context, h storageutil.ObjectHandler, id string) (*Analysis, error) {
	var s Snapshot
	err := storageutil.UnmarshalCompressed(ctx, h, StoragePath(id), &s)
	if err != nil {
		if errors.Is(err, storageutil.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return Restore(s)
}
