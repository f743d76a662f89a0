// Package flamechart answers the queries of an interactive flame chart over
// the call stacks of a trace: the tree of rows, the states of some rows over
// a time window and the navigation between calls.
package flamechart

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/getsentry/callstack/internal/attribute"
	"github.com/getsentry/callstack/internal/callstack"
	"github.com/getsentry/callstack/internal/interval"
)

type (
	Status string

	// Progress reports how far the construction of a trace went.
	Progress interface {
		// Bounds returns the time range of the data built so far.
		Bounds() (int64, int64)
		Watermark() int64
		Done() bool
	}

	Provider struct {
		name     string
		tree     *attribute.Tree
		store    *interval.Store
		progress Progress
	}

	TreeResponse struct {
		Entries []Entry `json:"entries"`
		Status  Status  `json:"status"`
	}

	// State is an interval of a row. An empty label means nothing was running
	// or that calls with different labels were merged.
	State struct {
		Start    int64  `json:"start"`
		Duration int64  `json:"duration"`
		Label    string `json:"label,omitempty"`
	}

	RowsResponse struct {
		Rows    map[int64][]State `json:"rows"`
		Missing []int64           `json:"missing,omitempty"`
		Status  Status            `json:"status"`
	}

	FollowResult struct {
		Depth int   `json:"depth"`
		Time  int64 `json:"time"`
		Found bool  `json:"found"`
	}
)

const (
	StatusCompleted Status = "completed"
	StatusRunning   Status = "running"
	StatusCancelled Status = "cancelled"
)

var (
	ErrEntryNotFound     = errors.New("flamechart: entry not found")
	ErrNotFollowable     = errors.New("flamechart: entry can't be followed")
	ErrInvalidRange      = errors.New("flamechart: invalid time range")
	ErrInvalidResolution = errors.New("flamechart: invalid resolution")
)

func NewProvider(name string, tree *attribute.Tree, store *interval.Store, progress Progress) *Provider {
	return &Provider{
		name:     name,
		tree:     tree,
		store:    store,
		progress: progress,
	}
}

func (p *Provider) status(end int64) Status {
	if !p.progress.Done() && end > p.progress.Watermark() {
		return StatusRunning
	}
	return StatusCompleted
}

// FetchTree returns every entry having data before end. Parents always come
// before their children.
func (p *Provider) FetchTree(end int64) TreeResponse {
	entries := []Entry{
		{
			ID:       TraceID,
			ParentID: NoParent,
			Name:     p.name,
			Kind:     KindTrace,
			Depth:    noDepth,
		},
	}
	processes, ok := p.tree.Lookup(callstack.ProcessesAttribute)
	if !ok {
		return TreeResponse{Entries: entries, Status: p.status(end)}
	}
	for _, process := range p.sortByName(p.tree.Children(processes)) {
		var threads []Entry
		for _, thread := range p.sortByName(p.tree.Children(process)) {
			stack, ok := p.tree.LookupRelative(thread, callstack.CallStackAttribute)
			if !ok {
				continue
			}
			var functions []Entry
			for _, d := range p.depths(stack) {
				first, ok := p.store.First(d.quark)
				if !ok || first.Start >= end {
					continue
				}
				functions = append(functions, Entry{
					ID:       entryID(d.quark),
					ParentID: entryID(stack),
					Name:     strconv.Itoa(d.depth),
					Kind:     KindFunction,
					Depth:    d.depth,
				})
			}
			if len(functions) == 0 {
				continue
			}
			threads = append(threads,
				Entry{
					ID:       entryID(thread),
					ParentID: entryID(process),
					Name:     p.tree.Name(thread),
					Kind:     KindThread,
					Depth:    noDepth,
				},
				Entry{
					ID:       entryID(stack),
					ParentID: entryID(thread),
					Name:     callstack.CallStackAttribute,
					Kind:     KindLevel,
					Depth:    noDepth,
				},
			)
			threads = append(threads, functions...)
		}
		if len(threads) == 0 {
			continue
		}
		entries = append(entries, Entry{
			ID:       entryID(process),
			ParentID: TraceID,
			Name:     p.tree.Name(process),
			Kind:     KindProcess,
			Depth:    noDepth,
		})
		entries = append(entries, threads...)
	}
	return TreeResponse{Entries: entries, Status: p.status(end)}
}

// FetchRows returns the states of the requested entries over [lo, hi) with
// at most a number of states proportional to resolution per row. Unknown
// entries are listed as missing. Cancelling ctx stops the work between two
// rows.
func (p *Provider) FetchRows(ctx context.Context, ids []int64, lo, hi int64, resolution int) (RowsResponse, error) {
	if hi <= lo {
		return RowsResponse{}, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, lo, hi)
	}
	if resolution < 1 {
		return RowsResponse{}, fmt.Errorf("%w: %d", ErrInvalidResolution, resolution)
	}
	start, end := p.progress.Bounds()
	from, to := max(lo, start), min(hi, end)

	response := RowsResponse{
		Rows:   make(map[int64][]State, len(ids)),
		Status: p.status(hi),
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return RowsResponse{Status: StatusCancelled}, nil
		}
		r, ok := p.resolve(id)
		if !ok {
			response.Missing = append(response.Missing, id)
			continue
		}
		if r.kind != KindFunction || to <= from {
			response.Rows[id] = []State{}
			continue
		}
		response.Rows[id] = downsample(p.store.QueryFilled(r.quark, from, to), from, to, resolution)
	}
	return response, nil
}

// Follow finds the next or previous call from an entry at time t.
//
// On a function entry, it looks for the closest call starting at that depth.
// When there is none, going backward walks up the stack one depth at a time
// and going forward resumes at the root of the stack. On a thread
// or its call stack, it returns the closest time the stack changed and the
// stack size right after.
func (p *Provider) Follow(ctx context.Context, id int64, t int64, dir interval.Direction) (FollowResult, error) {
	if err := ctx.Err(); err != nil {
		return FollowResult{}, err
	}
	r, ok := p.resolve(id)
	if !ok {
		return FollowResult{}, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	switch r.kind {
	case KindFunction:
		return p.followDepth(r, t, dir), nil
	case KindThread, KindLevel:
		return p.followStack(r.stack, t, dir), nil
	}
	return FollowResult{}, fmt.Errorf("%w: %d is a %s", ErrNotFollowable, id, r.kind)
}

func (p *Provider) followDepth(r resolved, t int64, dir interval.Direction) FollowResult {
	depths := p.depths(r.stack)
	for i := len(depths) - 1; i >= 0; i-- {
		d := depths[i]
		if d.depth > r.depth {
			continue
		}
		if iv, ok := p.store.Nearest(d.quark, t, dir); ok {
			return FollowResult{Depth: d.depth, Time: iv.Start, Found: true}
		}
		if dir == interval.Forward && i > 0 {
			// the next call after a return is searched from the root
			i = 1
		}
	}
	return FollowResult{}
}

func (p *Provider) followStack(stack attribute.Quark, t int64, dir interval.Direction) FollowResult {
	depths := p.depths(stack)
	var (
		best  int64
		found bool
	)
	for _, d := range depths {
		b, ok := p.store.Boundary(d.quark, t, dir)
		if !ok {
			continue
		}
		if !found || (dir == interval.Forward && b < best) || (dir == interval.Backward && b > best) {
			best, found = b, true
		}
	}
	if !found {
		return FollowResult{}
	}
	size := 0
	for _, d := range depths {
		iv, ok := p.store.At(d.quark, best)
		if !ok || iv.Empty() {
			break
		}
		size = d.depth + 1
	}
	return FollowResult{Depth: size, Time: best, Found: true}
}
