package analysis

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/getsentry/callstack/internal/callstack"
	"github.com/getsentry/callstack/internal/event"
	"github.com/getsentry/callstack/internal/event/eventtest"
	"github.com/getsentry/callstack/internal/flamechart"
	"github.com/getsentry/callstack/internal/storageprovider"
	"github.com/getsentry/callstack/internal/testutil"
)

var errBroken = errors.New("broken pipe")

type failingSource struct {
	events []event.Event
}

func (s *failingSource) Next(_ context.Context) (event.Event, error) {
	if len(s.events) == 0 {
		return event.Event{}, errBroken
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, nil
}

func run(t *testing.T, events []event.Event) *Analysis {
	t.Helper()
	a := New("trace", callstack.Config{})
	if err := a.Run(context.Background(), event.NewSliceSource(events)); err != nil {
		t.Fatalf("analysis should succeed: %v", err)
	}
	return a
}

func TestRun(t *testing.T) {
	events := eventtest.Threads()
	a := run(t, events)

	if a.Status() != StatusCompleted {
		t.Fatalf("expected status %q, got %q", StatusCompleted, a.Status())
	}
	start, end := a.Bounds()
	if diff := testutil.Diff([]int64{start, end}, []int64{1, 20}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	warnings, err := a.Warnings()
	if err != nil {
		t.Fatalf("warnings should be available: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", warnings)
	}

	s := a.Summary()
	if s.Events != len(events) {
		t.Fatalf("expected %d events, got %d", len(events), s.Events)
	}
	if s.Threads != 4 {
		t.Fatalf("expected 4 threads, got %d", s.Threads)
	}
	if len(s.Functions) == 0 {
		t.Fatal("expected the summary to list functions")
	}
	if s.Functions[0].Name != "op1" && s.Functions[0].Name != "op2" && s.Functions[0].Name != "op5" {
		t.Fatalf("unexpected top function %q", s.Functions[0].Name)
	}
}

func TestRunOpenFrames(t *testing.T) {
	a := run(t, []event.Event{
		event.Enter(1, 1, 1, "main"),
		event.Enter(2, 1, 1, "work"),
		event.Leave(5, 1, 1),
	})
	warnings, err := a.Warnings()
	if err != nil {
		t.Fatalf("warnings should be available: %v", err)
	}
	if len(warnings) != 1 || warnings[0].Kind != callstack.WarningTruncatedFrame {
		t.Fatalf("expected a single truncated frame warning, got %v", warnings)
	}
	if a.Summary().Anomalies.TruncatedFrames != 1 {
		t.Fatalf("expected 1 truncated frame, got %+v", a.Summary().Anomalies)
	}
}

func TestRunFailure(t *testing.T) {
	a := New("trace", callstack.Config{})
	err := a.Run(context.Background(), &failingSource{events: eventtest.Nested()[:3]})
	if !errors.Is(err, errBroken) {
		t.Fatalf("expected the source error, got %v", err)
	}
	if a.Status() != StatusFailed {
		t.Fatalf("expected status %q, got %q", StatusFailed, a.Status())
	}
	if a.Summary().Error == "" {
		t.Fatal("expected the summary to carry the error")
	}
	if _, err := a.Snapshot(); err == nil {
		t.Fatal("a failed analysis should not be snapshotted")
	}
}

func TestStartWait(t *testing.T) {
	a := New("trace", callstack.Config{})
	if _, err := a.Warnings(); !errors.Is(err, ErrNotFinished) {
		t.Fatalf("expected ErrNotFinished, got %v", err)
	}
	if _, err := a.Snapshot(); !errors.Is(err, ErrNotFinished) {
		t.Fatalf("expected ErrNotFinished, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Start(ctx, event.NewSliceSource(eventtest.Nested()))
	if err := a.Wait(ctx); err != nil {
		t.Fatalf("analysis should succeed: %v", err)
	}
	if !a.Done() {
		t.Fatal("analysis should be done")
	}

	rows, err := a.Provider().FetchRows(ctx, []int64{}, 0, 20, 1)
	if err != nil {
		t.Fatalf("rows should be available: %v", err)
	}
	if rows.Status != flamechart.StatusCompleted {
		t.Fatalf("expected status %q, got %q", flamechart.StatusCompleted, rows.Status)
	}
}

// gatedSource hands out its events, then waits for release before hanging
// up.
type gatedSource struct {
	events  []event.Event
	blocked chan struct{}
	release chan struct{}
	rest    []event.Event
}

func (s *gatedSource) Next(ctx context.Context) (event.Event, error) {
	if len(s.events) == 0 && s.blocked != nil {
		close(s.blocked)
		s.blocked = nil
		select {
		case <-s.release:
		case <-ctx.Done():
			return event.Event{}, ctx.Err()
		}
		s.events = s.rest
	}
	if len(s.events) == 0 {
		return event.Event{}, io.EOF
	}
	e := s.events[0]
	s.events = s.events[1:]
	return e, nil
}

func TestRunningWithOpenFrame(t *testing.T) {
	src := &gatedSource{
		events: []event.Event{
			event.Enter(0, 1, 1, "A"),
			event.Enter(2, 1, 1, "B"),
			event.Leave(5, 1, 1),
			event.Enter(8, 1, 1, "C"),
		},
		rest: []event.Event{
			event.Leave(9, 1, 1),
			event.Leave(12, 1, 1),
		},
		blocked: make(chan struct{}),
		release: make(chan struct{}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	blocked := src.blocked
	a := New("trace", callstack.Config{})
	a.Start(ctx, src)
	select {
	case <-blocked:
	case <-ctx.Done():
		t.Fatal("the source was never drained")
	}

	q, ok := a.tree.Lookup(callstack.ProcessesAttribute, "1", "1", callstack.CallStackAttribute, "0")
	if !ok {
		t.Fatal("depth 0 should exist")
	}
	depth0 := int64(q) + 1
	if got := a.Watermark(); got != 0 {
		t.Fatalf("the watermark should stop at the open frame, got %d", got)
	}
	rows, err := a.Provider().FetchRows(ctx, []int64{depth0}, 0, 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := flamechart.RowsResponse{
		Rows:   map[int64][]flamechart.State{depth0: {}},
		Status: flamechart.StatusRunning,
	}
	if diff := testutil.Diff(rows, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	close(src.release)
	if err := a.Wait(ctx); err != nil {
		t.Fatalf("analysis should succeed: %v", err)
	}
	rows, err = a.Provider().FetchRows(ctx, []int64{depth0}, 0, 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want = flamechart.RowsResponse{
		Rows:   map[int64][]flamechart.State{depth0: {{Start: 0, Duration: 5, Label: "A"}}},
		Status: flamechart.StatusCompleted,
	}
	if diff := testutil.Diff(rows, want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestWaitCancelled(t *testing.T) {
	a := New("trace", callstack.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	bucket, err := storageprovider.OpenBlob(ctx, "mem://")
	if err != nil {
		t.Fatalf("couldn't open a memory bucket: %v", err)
	}
	defer bucket.Close()

	a := run(t, eventtest.Threads())
	if err := a.Save(ctx, bucket); err != nil {
		t.Fatalf("analysis should be saved: %v", err)
	}
	restored, err := Load(ctx, bucket, a.ID)
	if err != nil {
		t.Fatalf("analysis should be loaded: %v", err)
	}

	if diff := testutil.Diff(restored.Summary(), a.Summary()); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	end := a.Summary().End + 1
	if diff := testutil.Diff(restored.Provider().FetchTree(end), a.Provider().FetchTree(end)); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	if _, err := Load(ctx, bucket, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRestoreVersionMismatch(t *testing.T) {
	s, err := run(t, eventtest.Nested()).Snapshot()
	if err != nil {
		t.Fatalf("snapshot should be available: %v", err)
	}
	s.Version = callstack.Version + 1
	if _, err := Restore(s); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestRegistryList(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	for i, name := range []string{"c", "a", "b"} {
		a := New(name, callstack.Config{})
		a.CreatedAt = now.Add(time.Duration(i) * time.Second)
		r.Add(a)
	}
	var names []string
	for _, a := range r.List() {
		names = append(names, a.Name)
	}
	if diff := testutil.Diff(names, []string{"c", "a", "b"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	first := r.List()[0]
	if got, ok := r.Get(first.ID); !ok || got != first {
		t.Fatal("analysis should be registered")
	}
	r.Remove(first.ID)
	if _, ok := r.Get(first.ID); ok {
		t.Fatal("analysis should be removed")
	}
}
