// Package analysis runs the construction of a trace's call stacks in the
// background while serving queries over what was built so far.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/callstack/internal/attribute"
	"github.com/getsentry/callstack/internal/callstack"
	"github.com/getsentry/callstack/internal/event"
	"github.com/getsentry/callstack/internal/flamechart"
	"github.com/getsentry/callstack/internal/interval"
	"github.com/getsentry/callstack/internal/nodetree"
)

type (
	Status string

	Analysis struct {
		ID        string
		Name      string
		CreatedAt time.Time

		tree     *attribute.Tree
		store    *interval.Store
		builder  *callstack.Builder
		provider *flamechart.Provider

		started   atomic.Bool
		start     atomic.Int64
		watermark atomic.Int64
		end       atomic.Int64
		finished  atomic.Bool
		done      chan struct{}

		mu        sync.Mutex
		status    Status
		err       error
		warnings  []callstack.Warning
		anomalies callstack.Anomalies
		events    int
		threads   int
	}

	// Summary describes an analysis for listings and diagnostics.
	Summary struct {
		ID        string              `json:"id"`
		Name      string              `json:"name"`
		Status    Status              `json:"status"`
		Error     string              `json:"error,omitempty"`
		Start     int64               `json:"start"`
		End       int64               `json:"end"`
		Watermark int64               `json:"watermark"`
		Events    int                 `json:"events"`
		Threads   int                 `json:"threads"`
		Intervals int                 `json:"intervals"`
		Anomalies callstack.Anomalies `json:"anomalies"`
		Warnings  []callstack.Warning `json:"warnings,omitempty"`
		Functions []nodetree.Function `json:"functions,omitempty"`
		CreatedAt time.Time           `json:"created_at"`
	}
)

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

const topFunctions = 10

var ErrNotFinished = errors.New("analysis: not finished")

func New(name string, cfg callstack.Config) *Analysis {
	tree := attribute.New()
	store := interval.NewStore()
	a := &Analysis{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
		tree:      tree,
		store:     store,
		builder:   callstack.NewBuilder(cfg, tree, store),
		done:      make(chan struct{}),
		status:    StatusPending,
	}
	a.provider = flamechart.NewProvider(name, tree, store, a)
	return a
}

// Run consumes src until it is exhausted, ctx is cancelled or src fails.
// Queries can be served concurrently.
func (a *Analysis) Run(ctx context.Context, src event.Source) error {
	a.setStatus(StatusRunning, nil)
	logger := log.With().Str("analysis_id", a.ID).Str("name", a.Name).Logger()
	logger.Info().Msg("analysis started")

	var events int
	err := func() error {
		for {
			e, err := src.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			a.builder.Handle(e)
			events++
			a.advance()
		}
	}()

	if err == nil {
		a.builder.Finish()
		a.advance()
	}

	a.mu.Lock()
	a.warnings = a.builder.Warnings()
	a.anomalies = a.builder.Anomalies()
	a.events = events
	a.threads = a.builder.Threads()
	a.mu.Unlock()

	if err != nil {
		err = fmt.Errorf("analysis: reading events: %w", err)
		a.setStatus(StatusFailed, err)
		logger.Error().Err(err).Int("events", events).Msg("analysis failed")
	} else {
		a.setStatus(StatusCompleted, nil)
		logger.Info().
			Int("events", events).
			Int("threads", a.builder.Threads()).
			Int("anomalies", a.anomalies.Total()).
			Msg("analysis completed")
	}
	a.finished.Store(true)
	close(a.done)
	return err
}

// Start runs the analysis in its own goroutine.
func (a *Analysis) Start(ctx context.Context, src event.Source) {
	go func() {
		_ = a.Run(ctx, src)
	}()
}

// Wait blocks until the analysis finished or ctx is done.
func (a *Analysis) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Analysis) advance() {
	start, end := a.builder.Bounds()
	settled := a.builder.Settled()
	if !a.started.Load() {
		a.start.Store(start)
		a.watermark.Store(settled)
		a.started.Store(true)
	}
	// both only ever grow
	a.watermark.Store(max(a.watermark.Load(), settled))
	a.end.Store(end)
}

func (a *Analysis) setStatus(s Status, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
	a.err = err
}

func (a *Analysis) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Bounds returns the time range of the data built so far. While running,
// the range stops at the watermark so that calls still open are not reported
// as gaps.
func (a *Analysis) Bounds() (int64, int64) {
	if a.Done() {
		return a.start.Load(), a.end.Load()
	}
	return a.start.Load(), a.watermark.Load()
}

// Watermark is the time before which the built data is final. It stops at
// the oldest call still open and never goes back.
func (a *Analysis) Watermark() int64 {
	return a.watermark.Load()
}

func (a *Analysis) Done() bool {
	return a.finished.Load()
}

func (a *Analysis) Provider() *flamechart.Provider {
	return a.provider
}

// Warnings returns the construction warnings once the analysis is done.
func (a *Analysis) Warnings() ([]callstack.Warning, error) {
	if !a.Done() {
		return nil, ErrNotFinished
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.warnings, nil
}

func (a *Analysis) Summary() Summary {
	start, end := a.Bounds()
	a.mu.Lock()
	s := Summary{
		ID:        a.ID,
		Name:      a.Name,
		Status:    a.status,
		Start:     start,
		End:       end,
		Watermark: a.Watermark(),
		Events:    a.events,
		Threads:   a.threads,
		Intervals: a.store.Count(),
		Anomalies: a.anomalies,
		Warnings:  a.warnings,
		CreatedAt: a.CreatedAt,
	}
	if a.err != nil {
		s.Error = a.err.Error()
	}
	a.mu.Unlock()

	if a.Done() {
		var roots []*nodetree.Node
		for _, entry := range a.provider.FetchTree(end + 1).Entries {
			if entry.Kind != flamechart.KindThread {
				continue
			}
			threadRoots, err := a.provider.CallTree(entry.ID)
			if err != nil {
				continue
			}
			roots = append(roots, threadRoots...)
		}
		s.Functions = nodetree.TopFunctions(roots, topFunctions)
	}
	return s
}
