// Package tef reads traces in the Chrome trace-event format.
package tef

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/getsentry/callstack/internal/errorutil"
	"github.com/getsentry/callstack/internal/event"
	"github.com/getsentry/callstack/internal/layout"
)

type (
	traceEvent struct {
		Name  string          `json:"name"`
		Phase string          `json:"ph"`
		TS    *float64        `json:"ts"`
		Dur   *float64        `json:"dur"`
		PID   json.RawMessage `json:"pid"`
		TID   json.RawMessage `json:"tid"`
	}

	traceObject struct {
		TraceEvents []traceEvent `json:"traceEvents"`
	}

	// Trace holds the events of a decoded trace, ordered by timestamp.
	Trace struct {
		Events []event.Event
		// Skipped counts the events that were not entries or exits, or were
		// filtered out by the layout.
		Skipped int
	}

	threadKey struct {
		pid, tid int64
	}
)

const (
	phaseBegin    = "B"
	phaseEnd      = "E"
	phaseComplete = "X"
)

// Decode reads a whole trace from r.
func Decode(r io.Reader, l layout.Layout) (Trace, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Trace{}, err
	}
	return Parse(b, l)
}

// Parse accepts either a JSON object with a traceEvents array or a bare array
// of events.
func Parse(b []byte, l layout.Layout) (Trace, error) {
	var raw []traceEvent
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return Trace{}, fmt.Errorf("tef: %w: empty trace", errorutil.ErrDataIntegrity)
	}
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return Trace{}, fmt.Errorf("tef: %w: %s", errorutil.ErrDataIntegrity, err.Error())
		}
	case '{':
		var o traceObject
		if err := json.Unmarshal(trimmed, &o); err != nil {
			return Trace{}, fmt.Errorf("tef: %w: %s", errorutil.ErrDataIntegrity, err.Error())
		}
		raw = o.TraceEvents
	default:
		return Trace{}, fmt.Errorf("tef: %w: expected an object or an array", errorutil.ErrDataIntegrity)
	}

	var t Trace
	events := make([]event.Event, 0, len(raw))
	names := make([]string, 0, len(raw))
	for i, te := range raw {
		e, ok, err := convert(te, l)
		if err != nil {
			return Trace{}, fmt.Errorf("tef: event %d: %w", i, err)
		}
		if !ok {
			t.Skipped++
			continue
		}
		events = append(events, e)
		names = append(names, te.Name)
	}

	order := make([]int, len(events))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return events[order[i]].Timestamp < events[order[j]].Timestamp
	})

	// exits without a name follow the decision taken for their entry
	considered := make(map[threadKey][]bool)
	t.Events = make([]event.Event, 0, len(events))
	for _, i := range order {
		e := events[i]
		k := threadKey{pid: e.PID, tid: e.TID}
		keep := names[i] == "" || l.Consider(names[i])
		switch {
		case e.Kind == event.Entry && !e.HasDuration():
			considered[k] = append(considered[k], keep)
		case e.Kind == event.Exit:
			if stack := considered[k]; len(stack) > 0 {
				if names[i] == "" {
					keep = stack[len(stack)-1]
				}
				considered[k] = stack[:len(stack)-1]
			}
		}
		if !keep {
			t.Skipped++
			continue
		}
		t.Events = append(t.Events, e)
	}
	return t, nil
}

// NewSource decodes r and serves its events.
func NewSource(r io.Reader, l layout.Layout) (*event.SliceSource, Trace, error) {
	t, err := Decode(r, l)
	if err != nil {
		return nil, Trace{}, err
	}
	return event.NewSliceSource(t.Events), t, nil
}

func convert(te traceEvent, l layout.Layout) (event.Event, bool, error) {
	e := event.Event{
		Label:    te.Name,
		PID:      parseID(te.PID),
		TID:      parseID(te.TID),
		Duration: event.UnknownDuration,
	}
	switch te.Phase {
	case phaseBegin:
		e.Kind = event.Entry
	case phaseEnd:
		e.Kind = event.Exit
	case phaseComplete:
		e.Kind = event.Entry
		if te.Dur == nil || *te.Dur < 0 {
			return event.Event{}, false, errorutil.Integrityf("complete event %q without a valid duration", te.Name)
		}
		e.Duration = micros(*te.Dur)
	default:
		_, kind, ok := l.Classify(te.Name)
		if !ok {
			return event.Event{}, false, nil
		}
		e.Kind = kind
	}
	if te.TS == nil {
		return event.Event{}, false, errorutil.Integrityf("event %q without a timestamp", te.Name)
	}
	e.Timestamp = micros(*te.TS)
	return e, true, nil
}

func micros(v float64) int64 {
	return int64(math.Round(v * 1000))
}

func parseID(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return -1
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if id, err := n.Int64(); err == nil {
			return id
		}
		return -1
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return -1
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return id
}
