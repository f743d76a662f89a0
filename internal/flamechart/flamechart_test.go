package flamechart

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/getsentry/callstack/internal/attribute"
	"github.com/getsentry/callstack/internal/callstack"
	"github.com/getsentry/callstack/internal/event"
	"github.com/getsentry/callstack/internal/event/eventtest"
	"github.com/getsentry/callstack/internal/interval"
	"github.com/getsentry/callstack/internal/testutil"
)

type progress struct {
	start, end int64
	watermark  int64
	done       bool
}

func (p progress) Bounds() (int64, int64) {
	return p.start, p.end
}

func (p progress) Watermark() int64 {
	return p.watermark
}

func (p progress) Done() bool {
	return p.done
}

func newProvider(t *testing.T, events []event.Event) (*Provider, *attribute.Tree) {
	t.Helper()
	tree := attribute.New()
	store := interval.NewStore()
	b := callstack.NewBuilder(callstack.Config{}, tree, store)
	for _, e := range events {
		b.Handle(e)
	}
	b.Finish()
	start, end := b.Bounds()
	return NewProvider("trace", tree, store, progress{start: start, end: end, watermark: end, done: true}), tree
}

func lookup(t *testing.T, tree *attribute.Tree, path ...string) int64 {
	t.Helper()
	q, ok := tree.Lookup(append([]string{callstack.ProcessesAttribute}, path...)...)
	if !ok {
		t.Fatalf("%v does not exist", path)
	}
	return entryID(q)
}

func TestFetchTree(t *testing.T) {
	p, tree := newProvider(t, eventtest.Threads())
	id := func(path ...string) int64 { return lookup(t, tree, path...) }

	threadEntries := func(process, thread string, depths ...string) []Entry {
		entries := []Entry{
			{ID: id(process, thread), ParentID: id(process), Name: thread, Kind: KindThread, Depth: -1},
			{ID: id(process, thread, "CallStack"), ParentID: id(process, thread), Name: "CallStack", Kind: KindLevel, Depth: -1},
		}
		for i, d := range depths {
			entries = append(entries, Entry{
				ID:       id(process, thread, "CallStack", d),
				ParentID: id(process, thread, "CallStack"),
				Name:     d,
				Kind:     KindFunction,
				Depth:    i,
			})
		}
		return entries
	}
	processEntry := func(process string) Entry {
		return Entry{ID: id(process), ParentID: TraceID, Name: process, Kind: KindProcess, Depth: -1}
	}
	traceEntry := Entry{ID: TraceID, ParentID: NoParent, Name: "trace", Kind: KindTrace, Depth: -1}

	tests := []struct {
		name string
		end  int64
		want []Entry
	}{
		{
			name: "whole trace",
			end:  math.MaxInt64,
			want: concat(
				[]Entry{traceEntry, processEntry("1")},
				threadEntries("1", "2", "0", "1", "2"),
				threadEntries("1", "3", "0", "1"),
				[]Entry{processEntry("5")},
				threadEntries("5", "6", "0", "1", "2"),
				threadEntries("5", "7", "0", "1", "2"),
			),
		},
		{
			name: "up to 4",
			end:  4,
			want: concat(
				[]Entry{traceEntry, processEntry("1")},
				threadEntries("1", "2", "0", "1"),
				threadEntries("1", "3", "0"),
				[]Entry{processEntry("5")},
				threadEntries("5", "6", "0", "1"),
				threadEntries("5", "7", "0", "1"),
			),
		},
		{
			name: "before any call",
			end:  1,
			want: []Entry{traceEntry},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := p.FetchTree(test.end)
			if got.Status != StatusCompleted {
				t.Fatalf("expected a completed status, got %s", got.Status)
			}
			if diff := testutil.Diff(got.Entries, test.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}

	// ids are stable across fetches
	first := p.FetchTree(math.MaxInt64)
	second := p.FetchTree(math.MaxInt64)
	if diff := testutil.Diff(first, second); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if len(first.Entries) != 22 {
		t.Fatalf("expected 22 entries, got %d", len(first.Entries))
	}
}

func concat(lists ...[]Entry) []Entry {
	var all []Entry
	for _, l := range lists {
		all = append(all, l...)
	}
	return all
}

func TestFetchRows(t *testing.T) {
	p, tree := newProvider(t, eventtest.Threads())
	id := func(path ...string) int64 { return lookup(t, tree, path...) }

	tests := []struct {
		name       string
		entry      int64
		lo, hi     int64
		resolution int
		want       []State
	}{
		{
			name:       "full resolution",
			entry:      id("1", "3", "CallStack", "1"),
			lo:         3,
			hi:         15,
			resolution: 50,
			want: []State{
				{Start: 3, Duration: 2},
				{Start: 5, Duration: 1, Label: "op3"},
				{Start: 6, Duration: 1},
				{Start: 7, Duration: 6, Label: "op2"},
				{Start: 13, Duration: 2},
			},
		},
		{
			name:       "low resolution",
			entry:      id("1", "3", "CallStack", "1"),
			lo:         3,
			hi:         15,
			resolution: 2,
			want: []State{
				{Start: 3, Duration: 10},
				{Start: 13, Duration: 2},
			},
		},
		{
			name:       "low resolution mixed labels",
			entry:      id("5", "6", "CallStack", "1"),
			lo:         3,
			hi:         15,
			resolution: 2,
			want: []State{
				{Start: 3, Duration: 8},
				{Start: 11, Duration: 4},
			},
		},
		{
			name:       "single call",
			entry:      id("5", "6", "CallStack", "0"),
			lo:         3,
			hi:         15,
			resolution: 2,
			want:       []State{{Start: 3, Duration: 12, Label: "op1"}},
		},
		{
			name:       "gap filled up to the end of the trace",
			entry:      id("1", "3", "CallStack", "1"),
			lo:         0,
			hi:         math.MaxInt64,
			resolution: 100,
			want: []State{
				{Start: 1, Duration: 4},
				{Start: 5, Duration: 1, Label: "op3"},
				{Start: 6, Duration: 1},
				{Start: 7, Duration: 6, Label: "op2"},
				{Start: 13, Duration: 7},
			},
		},
		{
			name:       "thread entries have no states",
			entry:      id("1", "3"),
			lo:         3,
			hi:         15,
			resolution: 2,
			want:       []State{},
		},
		{
			name:       "window outside of the trace",
			entry:      id("1", "3", "CallStack", "1"),
			lo:         30,
			hi:         40,
			resolution: 2,
			want:       []State{},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := p.FetchRows(context.Background(), []int64{test.entry}, test.lo, test.hi, test.resolution)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := RowsResponse{
				Rows:   map[int64][]State{test.entry: test.want},
				Status: StatusCompleted,
			}
			if diff := testutil.Diff(got, want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestFetchRowsNested(t *testing.T) {
	p, tree := newProvider(t, eventtest.Nested())
	entry := lookup(t, tree, "1", "1", "CallStack", "0")

	got, err := p.FetchRows(context.Background(), []int64{entry, 999}, 0, 20, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := RowsResponse{
		Rows: map[int64][]State{
			entry: {
				{Start: 0, Duration: 10, Label: "A1"},
				{Start: 10, Duration: 2},
				{Start: 12, Duration: 8, Label: "A2"},
			},
		},
		Missing: []int64{999},
		Status:  StatusCompleted,
	}
	if diff := testutil.Diff(got, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestFetchRowsErrors(t *testing.T) {
	p, tree := newProvider(t, eventtest.Nested())
	entry := lookup(t, tree, "1", "1", "CallStack", "0")
	ctx := context.Background()

	if _, err := p.FetchRows(ctx, []int64{entry}, 10, 10, 2); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
	if _, err := p.FetchRows(ctx, []int64{entry}, 0, 10, 0); !errors.Is(err, ErrInvalidResolution) {
		t.Fatalf("expected ErrInvalidResolution, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	got, err := p.FetchRows(cancelled, []int64{entry}, 0, 20, 2)
	if err != nil {
		t.Fatalf("cancellation is not an error: %v", err)
	}
	if diff := testutil.Diff(got, RowsResponse{Status: StatusCancelled}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestRunningStatus(t *testing.T) {
	tree := attribute.New()
	store := interval.NewStore()
	b := callstack.NewBuilder(callstack.Config{}, tree, store)
	for _, e := range eventtest.Nested()[:4] {
		b.Handle(e)
	}
	p := NewProvider("trace", tree, store, progress{start: 0, end: 10, watermark: 10})

	if got := p.FetchTree(5).Status; got != StatusCompleted {
		t.Fatalf("data before the watermark is complete, got %s", got)
	}
	tree2 := p.FetchTree(15)
	if tree2.Status != StatusRunning {
		t.Fatalf("data after the watermark is still running, got %s", tree2.Status)
	}
	entry := lookup(t, tree, "1", "1", "CallStack", "0")
	rows, err := p.FetchRows(context.Background(), []int64{entry}, 0, 20, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := RowsResponse{
		Rows:   map[int64][]State{entry: {{Start: 0, Duration: 10, Label: "A1"}}},
		Status: StatusRunning,
	}
	if diff := testutil.Diff(rows, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestDownsampleRefinement(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	var intervals []interval.Interval
	labels := []string{"", "a", "b"}
	var cursor int64
	for i := 0; i < 500; i++ {
		d := 1 + r.Int63n(20)
		intervals = append(intervals, interval.Interval{Start: cursor, End: cursor + d, Label: labels[r.Intn(len(labels))]})
		cursor += d
	}

	results := make([][]State, 0, 130)
	for n := 1; n <= 130; n++ {
		states := downsample(intervals, 0, cursor, n)
		if len(states) > 2*n {
			t.Fatalf("resolution %d returned %d states", n, len(states))
		}
		assertCovers(t, states, cursor)
		results = append(results, states)
	}
	for i, coarse := range results {
		for k, fine := range results[i+1:] {
			assertRefines(t, coarse, fine, i+1, i+k+2)
		}
	}
}

func TestDownsampleKeepsBoundaries(t *testing.T) {
	var intervals []interval.Interval
	for i := int64(0); i < 12; i++ {
		intervals = append(intervals, interval.Interval{Start: i, End: i + 1, Label: "a"})
	}
	tests := []struct {
		n    int
		want []int64
	}{
		{n: 1, want: []int64{0}},
		{n: 2, want: []int64{0, 6}},
		{n: 3, want: []int64{0, 3, 6, 9}},
		{n: 5, want: []int64{0, 2, 3, 5, 6, 8, 9, 11}},
		{n: 6, want: []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}},
	}
	for _, test := range tests {
		var got []int64
		for _, s := range downsample(intervals, 0, 12, test.n) {
			got = append(got, s.Start)
		}
		if diff := testutil.Diff(got, test.want); diff != "" {
			t.Fatalf("resolution %d: Result mismatch: got - want +\n%s", test.n, diff)
		}
	}
}

// assertRefines checks every state of coarse starts a state of fine and keeps
// its label across the states it was split into.
func assertRefines(t *testing.T, coarse, fine []State, n, m int) {
	t.Helper()
	j := 0
	for _, c := range coarse {
		for j < len(fine) && fine[j].Start < c.Start {
			j++
		}
		if j == len(fine) || fine[j].Start != c.Start {
			t.Fatalf("resolution %d: state starting at %d is not split at resolution %d", n, c.Start, m)
		}
		end := c.Start + c.Duration
		for j < len(fine) && fine[j].Start < end {
			if c.Label != "" && fine[j].Label != c.Label {
				t.Fatalf("resolution %d: label %q refined into %q at resolution %d", n, c.Label, fine[j].Label, m)
			}
			j++
		}
	}
}

func assertCovers(t *testing.T, states []State, end int64) {
	t.Helper()
	var cursor int64
	for _, s := range states {
		if s.Start != cursor {
			t.Fatalf("expected a state starting at %d, got %d", cursor, s.Start)
		}
		cursor += s.Duration
	}
	if cursor != end {
		t.Fatalf("states end at %d instead of %d", cursor, end)
	}
}

// returnThenCall is A [0,10) > B [2,5) > C [3,4), then D [30,60) > E [50,55).
func returnThenCall() []event.Event {
	return []event.Event{
		event.Enter(0, 1, 1, "A"),
		event.Enter(2, 1, 1, "B"),
		event.Enter(3, 1, 1, "C"),
		event.Leave(4, 1, 1),
		event.Leave(5, 1, 1),
		event.Leave(10, 1, 1),
		event.Enter(30, 1, 1, "D"),
		event.Enter(50, 1, 1, "E"),
		event.Leave(55, 1, 1),
		event.Leave(60, 1, 1),
	}
}

func TestFollowDepth(t *testing.T) {
	tests := []struct {
		name      string
		events    []event.Event
		depth     string
		t         int64
		direction interval.Direction
		want      FollowResult
	}{
		{name: "next call at the same depth", events: eventtest.Nested(), depth: "1", t: 3, direction: interval.Forward, want: FollowResult{Depth: 1, Time: 14, Found: true}},
		{name: "back to the previous call", events: eventtest.Nested(), depth: "1", t: 14, direction: interval.Backward, want: FollowResult{Depth: 1, Time: 2, Found: true}},
		{name: "previous call of the caller", events: eventtest.Nested(), depth: "1", t: 2, direction: interval.Backward, want: FollowResult{Depth: 0, Time: 0, Found: true}},
		{name: "nothing after", events: eventtest.Nested(), depth: "1", t: 14, direction: interval.Forward},
		{name: "root depth", events: eventtest.Nested(), depth: "0", t: 0, direction: interval.Forward, want: FollowResult{Depth: 0, Time: 12, Found: true}},
		{name: "next root call after a return", events: returnThenCall(), depth: "2", t: 3, direction: interval.Forward, want: FollowResult{Depth: 0, Time: 30, Found: true}},
		{name: "backward climbs one depth", events: returnThenCall(), depth: "2", t: 3, direction: interval.Backward, want: FollowResult{Depth: 1, Time: 2, Found: true}},
		{name: "same depth first", events: returnThenCall(), depth: "1", t: 2, direction: interval.Forward, want: FollowResult{Depth: 1, Time: 50, Found: true}},
		{name: "nothing after the root", events: returnThenCall(), depth: "2", t: 30, direction: interval.Forward},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p, tree := newProvider(t, test.events)
			entry := lookup(t, tree, "1", "1", "CallStack", test.depth)
			got, err := p.Follow(context.Background(), entry, test.t, test.direction)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := testutil.Diff(got, test.want); diff != "" {
				t.Fatalf("Result mismatch: got - want +\n%s", diff)
			}
		})
	}
}

func TestFollowRoundTrip(t *testing.T) {
	p, tree := newProvider(t, eventtest.Threads())
	ctx := context.Background()
	for _, path := range [][]string{
		{"1", "2", "CallStack", "2"},
		{"1", "3", "CallStack", "1"},
		{"5", "6", "CallStack", "2"},
		{"5", "7", "CallStack", "1"},
	} {
		entry := lookup(t, tree, path...)
		for ts := int64(0); ts <= 20; ts++ {
			next, err := p.Follow(ctx, entry, ts, interval.Forward)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !next.Found {
				continue
			}
			back, err := p.Follow(ctx, entry, next.Time, interval.Backward)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if back.Found && back.Time > ts {
				t.Fatalf("%v: following forward then backward from %d landed on %d", path, ts, back.Time)
			}
		}
	}
}

func TestFollowThread(t *testing.T) {
	p, tree := newProvider(t, eventtest.Threads())
	thread := lookup(t, tree, "1", "2")
	level := lookup(t, tree, "1", "2", "CallStack")

	tests := []struct {
		t         int64
		direction interval.Direction
		want      FollowResult
	}{
		{t: 6, direction: interval.Forward, want: FollowResult{Depth: 1, Time: 7, Found: true}},
		{t: 7, direction: interval.Forward, want: FollowResult{Depth: 0, Time: 10, Found: true}},
		{t: 10, direction: interval.Forward, want: FollowResult{Depth: 1, Time: 12, Found: true}},
		{t: 12, direction: interval.Forward, want: FollowResult{Depth: 0, Time: 20, Found: true}},
		{t: 20, direction: interval.Forward},
		{t: 20, direction: interval.Backward, want: FollowResult{Depth: 1, Time: 12, Found: true}},
		{t: 7, direction: interval.Backward, want: FollowResult{Depth: 2, Time: 5, Found: true}},
		{t: 5, direction: interval.Backward, want: FollowResult{Depth: 3, Time: 4, Found: true}},
		{t: 4, direction: interval.Backward, want: FollowResult{Depth: 2, Time: 3, Found: true}},
		{t: 3, direction: interval.Backward, want: FollowResult{Depth: 1, Time: 1, Found: true}},
		{t: 1, direction: interval.Backward},
	}
	for _, entry := range []int64{thread, level} {
		for _, test := range tests {
			got, err := p.Follow(context.Background(), entry, test.t, test.direction)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := testutil.Diff(got, test.want); diff != "" {
				t.Fatalf("%v from %d: Result mismatch: got - want +\n%s", test.direction, test.t, diff)
			}
		}
	}
}

func TestFollowErrors(t *testing.T) {
	p, tree := newProvider(t, eventtest.Nested())
	ctx := context.Background()
	if _, err := p.Follow(ctx, 999, 0, interval.Forward); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	if _, err := p.Follow(ctx, TraceID, 0, interval.Forward); !errors.Is(err, ErrNotFollowable) {
		t.Fatalf("expected ErrNotFollowable, got %v", err)
	}
	if _, err := p.Follow(ctx, lookup(t, tree, "1"), 0, interval.Forward); !errors.Is(err, ErrNotFollowable) {
		t.Fatalf("expected ErrNotFollowable, got %v", err)
	}
	// the Processes node itself is not an entry
	if _, err := p.Follow(ctx, entryID(0), 0, interval.Forward); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestSpeedscope(t *testing.T) {
	p, tree := newProvider(t, eventtest.Threads())

	output, err := p.Speedscope(TraceID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var names []string
	for _, profile := range output.Profiles {
		names = append(names, profile.Name)
	}
	if diff := testutil.Diff(names, []string{"1/2", "1/3", "5/6", "5/7"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	output, err = p.Speedscope(lookup(t, tree, "1", "2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(output.Profiles) != 1 || len(output.Profiles[0].Events) != 8 {
		t.Fatalf("expected one profile with 8 events, got %+v", output.Profiles)
	}

	roots, err := p.CallTree(lookup(t, tree, "1", "2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(roots) != 2 || roots[0].Name != "op1" || len(roots[0].Children) != 1 {
		t.Fatalf("unexpected call tree %+v", roots)
	}
	if _, err := p.CallTree(TraceID); !errors.Is(err, ErrNotFollowable) {
		t.Fatalf("expected ErrNotFollowable, got %v", err)
	}
}

func TestChromeTrace(t *testing.T) {
	p, tree := newProvider(t, eventtest.Nested())

	output, err := p.ChromeTrace(lookup(t, tree, "1", "1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var names []string
	for _, e := range output.TraceEvents {
		names = append(names, e.Name)
	}
	want := []string{"process_name", "thread_name", "A1", "B1", "A2", "B2"}
	if diff := testutil.Diff(names, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if _, err := p.ChromeTrace(999); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}
