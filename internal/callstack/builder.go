// Package callstack turns entry and exit events into per-depth interval
// sequences, one call stack per thread.
package callstack

import (
	"container/heap"
	"fmt"
	"math"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/callstack/internal/attribute"
	"github.com/getsentry/callstack/internal/event"
	"github.com/getsentry/callstack/internal/interval"
	"github.com/getsentry/callstack/internal/layout"
)

// Version identifies the construction logic. Snapshots built by another
// version are not restored.
const Version = 1

const (
	ProcessesAttribute = "Processes"
	CallStackAttribute = "CallStack"
	// Unknown names the node grouping threads without a known process.
	Unknown = "unknown"
)

type (
	// Namer maps process and thread ids to the names of their nodes.
	Namer interface {
		Process(pid int64) string
		Thread(pid, tid int64) string
	}

	DefaultNamer struct{}

	Config struct {
		Layout layout.Layout
		Namer  Namer
		// MaxDepth drops entries deeper than this limit, 0 means unlimited.
		MaxDepth int
	}

	frame struct {
		id    uint64
		entry int64
		label string
		quark attribute.Quark
	}

	threadKey struct {
		pid int64
		tid int64
	}

	thread struct {
		key      threadKey
		stack    attribute.Quark
		depths   []attribute.Quark
		frames   []frame
		pending  pendingQueue
		last     int64
		started  bool
		overflow int
		err      error
	}

	// Builder is not safe for concurrent use. It writes to a tree and a store
	// which themselves can be queried while the builder runs.
	Builder struct {
		cfg   Config
		tree  *attribute.Tree
		store *interval.Store

		threads map[threadKey]*thread
		order   []*thread

		seen      bool
		start     int64
		horizon   int64
		end       int64
		nextFrame uint64

		anomalies    Anomalies
		warnings     map[warningKey]*Warning
		warningOrder []warningKey
	}
)

func (DefaultNamer) Process(pid int64) string {
	if pid == event.UnknownPID {
		return Unknown
	}
	return strconv.FormatInt(pid, 10)
}

func (DefaultNamer) Thread(_, tid int64) string {
	if tid < 0 {
		return Unknown
	}
	return strconv.FormatInt(tid, 10)
}

func NewBuilder(cfg Config, tree *attribute.Tree, store *interval.Store) *Builder {
	if cfg.Namer == nil {
		cfg.Namer = DefaultNamer{}
	}
	return &Builder{
		cfg:      cfg,
		tree:     tree,
		store:    store,
		threads:  make(map[threadKey]*thread),
		warnings: make(map[warningKey]*Warning),
	}
}

// Handle applies a single event. Problems are recorded as warnings and
// only ever affect the thread the event belongs to.
func (b *Builder) Handle(e event.Event) {
	if !b.seen {
		b.seen = true
		b.start = e.Timestamp
		b.horizon = e.Timestamp
		b.end = e.Timestamp
	}
	b.horizon = max(b.horizon, e.Timestamp)
	b.end = max(b.end, e.Timestamp)

	th := b.thread(e.PID, e.TID)
	if th.err != nil {
		b.anomalies.SkippedEvents++
		return
	}
	if th.started && e.Timestamp < th.last {
		b.abort(th, e.Timestamp, fmt.Errorf("%w: event at %d precedes %d", interval.ErrOrderViolation, e.Timestamp, th.last))
		return
	}
	th.started = true

	b.drain(th, e.Timestamp)
	if th.err != nil {
		b.anomalies.SkippedEvents++
		return
	}
	th.last = e.Timestamp

	switch e.Kind {
	case event.Entry:
		b.push(th, e)
	case event.Exit:
		b.pop(th, e.Timestamp)
	}
}

// Finish fires every pending pop and closes the frames left open at the end
// of the trace.
func (b *Builder) Finish() {
	for _, th := range b.order {
		if th.err != nil {
			continue
		}
		b.drain(th, math.MaxInt64)
		if th.err != nil {
			continue
		}
		end := max(b.horizon, th.last)
		for i := len(th.frames) - 1; i >= 0 && th.err == nil; i-- {
			b.warn(th, WarningTruncatedFrame, end, "frame closed at the end of the trace")
			b.anomalies.TruncatedFrames++
			b.close(th, th.frames[i], end)
		}
		th.frames = nil
		th.overflow = 0
		b.end = max(b.end, end)
	}
}

func (b *Builder) thread(pid, tid int64) *thread {
	k := threadKey{pid: pid, tid: tid}
	th, exists := b.threads[k]
	if !exists {
		th = &thread{key: k, stack: attribute.Root}
		b.threads[k] = th
		b.order = append(b.order, th)
	}
	return th
}

func (b *Builder) depthQuark(th *thread, depth int) attribute.Quark {
	if th.stack == attribute.Root {
		th.stack = b.tree.GetOrCreate(
			ProcessesAttribute,
			b.cfg.Namer.Process(th.key.pid),
			b.cfg.Namer.Thread(th.key.pid, th.key.tid),
			CallStackAttribute,
		)
	}
	for len(th.depths) <= depth {
		th.depths = append(th.depths, b.tree.GetOrCreateRelative(th.stack, strconv.Itoa(len(th.depths))))
	}
	return th.depths[depth]
}

func (b *Builder) label(name string) string {
	label := b.cfg.Layout.Normalize(name)
	if label == "" {
		return Unknown
	}
	return label
}

func (b *Builder) push(th *thread, e event.Event) {
	depth := len(th.frames)
	if b.cfg.MaxDepth > 0 && depth >= b.cfg.MaxDepth {
		b.anomalies.MaxDepthExceeded++
		b.warn(th, WarningMaxDepth, e.Timestamp, fmt.Sprintf("entries deeper than %d are dropped", b.cfg.MaxDepth))
		if !e.HasDuration() {
			th.overflow++
		}
		return
	}
	b.nextFrame++
	f := frame{
		id:    b.nextFrame,
		entry: e.Timestamp,
		label: b.label(e.Label),
		quark: b.depthQuark(th, depth),
	}
	th.frames = append(th.frames, f)
	if e.HasDuration() {
		heap.Push(&th.pending, pendingPop{
			trigger: e.Timestamp + e.Duration,
			depth:   depth,
			frame:   f.id,
			seq:     f.id,
		})
	}
}

func (b *Builder) pop(th *thread, ts int64) {
	if th.overflow > 0 {
		th.overflow--
		return
	}
	if len(th.frames) == 0 {
		b.anomalies.UnmatchedExits++
		b.warn(th, WarningUnmatchedExit, ts, "exit without a matching entry")
		log.Debug().
			Int64("pid", th.key.pid).
			Int64("tid", th.key.tid).
			Int64("timestamp", ts).
			Msg("unmatched exit")
		return
	}
	f := th.frames[len(th.frames)-1]
	th.frames = th.frames[:len(th.frames)-1]
	b.close(th, f, ts)
}

// drain fires the pending pops of th triggering at or before ts.
func (b *Builder) drain(th *thread, ts int64) {
	for th.pending.Len() > 0 && th.pending[0].trigger <= ts {
		p := heap.Pop(&th.pending).(pendingPop)
		if p.depth >= len(th.frames) || th.frames[p.depth].id != p.frame {
			// already closed by an exit or by an ancestor
			continue
		}
		for i := len(th.frames) - 1; i >= p.depth; i-- {
			if i > p.depth {
				b.anomalies.TruncatedFrames++
				b.warn(th, WarningTruncatedFrame, p.trigger, "frame outlived its caller")
			}
			b.close(th, th.frames[i], p.trigger)
			if th.err != nil {
				return
			}
		}
		th.frames = th.frames[:p.depth]
		th.overflow = 0
		th.last = max(th.last, p.trigger)
	}
}

func (b *Builder) close(th *thread, f frame, ts int64) {
	if ts == f.entry {
		return
	}
	err := b.store.Append(f.quark, interval.Interval{Start: f.entry, End: ts, Label: f.label})
	if err != nil && th.err == nil {
		b.abort(th, ts, err)
	}
}

func (b *Builder) abort(th *thread, ts int64, err error) {
	th.err = err
	th.frames = nil
	th.pending = nil
	b.anomalies.OrderViolations++
	b.warn(th, WarningOrderViolation, ts, err.Error())
	log.Warn().
		Err(err).
		Int64("pid", th.key.pid).
		Int64("tid", th.key.tid).
		Msg("call stack construction aborted for thread")
}

func (b *Builder) warn(th *thread, kind WarningKind, ts int64, message string) {
	k := warningKey{kind: kind, pid: th.key.pid, tid: th.key.tid}
	w, exists := b.warnings[k]
	if !exists {
		w = &Warning{
			Kind:      kind,
			PID:       th.key.pid,
			TID:       th.key.tid,
			Timestamp: ts,
			Message:   message,
		}
		b.warnings[k] = w
		b.warningOrder = append(b.warningOrder, k)
	}
	w.Count++
}

// Warnings returns the aggregated warnings in order of first occurrence.
func (b *Builder) Warnings() []Warning {
	warnings := make([]Warning, 0, len(b.warningOrder))
	for _, k := range b.warningOrder {
		warnings = append(warnings, *b.warnings[k])
	}
	return warnings
}

func (b *Builder) Anomalies() Anomalies {
	return b.anomalies
}

// Bounds returns the time range covered by the events handled so far,
// including pops fired after the last event.
func (b *Builder) Bounds() (int64, int64) {
	return b.start, b.end
}

// Horizon returns the latest event timestamp handled.
func (b *Builder) Horizon() int64 {
	return b.horizon
}

// Settled returns the time before which the stored intervals are final: the
// entry of the oldest frame still open, or the latest event when no frame is
// open.
func (b *Builder) Settled() int64 {
	settled := b.horizon
	for _, th := range b.order {
		if th.err == nil && len(th.frames) > 0 {
			settled = min(settled, th.frames[0].entry)
		}
	}
	return settled
}

// Threads returns the number of threads seen.
func (b *Builder) Threads() int {
	return len(b.order)
}

// Failed reports whether construction was aborted for the given thread.
func (b *Builder) Failed(pid, tid int64) error {
	th, exists := b.threads[threadKey{pid: pid, tid: tid}]
	if !exists {
		return nil
	}
	return th.err
}
