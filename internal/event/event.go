package event

import (
	"context"
	"io"
)

type (
	// Kind tells whether an event opens or closes a call.
	Kind uint8

	// Event is a single function entry or exit observed on a thread.
	Event struct {
		// Timestamp in nanoseconds.
		Timestamp int64 `json:"ts"`
		Kind      Kind  `json:"kind"`
		// PID is UnknownPID when the producer could not tell.
		PID   int64  `json:"pid"`
		TID   int64  `json:"tid"`
		Label string `json:"name"`
		// Duration in nanoseconds, negative when unknown.
		Duration int64 `json:"dur"`
	}

	// Source yields events in non-decreasing timestamp order. Next returns
	// io.EOF once the sequence is exhausted.
	Source interface {
		Next(ctx context.Context) (Event, error)
	}

	// SliceSource serves events from memory.
	SliceSource struct {
		events []Event
		i      int
	}
)

const (
	Entry Kind = iota
	Exit
)

const (
	UnknownPID      int64 = -1
	UnknownTID      int64 = -1
	UnknownDuration int64 = -1
)

func (k Kind) String() string {
	switch k {
	case Entry:
		return "entry"
	case Exit:
		return "exit"
	}
	return "unknown"
}

// HasDuration reports whether the event carries an explicit duration.
func (e Event) HasDuration() bool {
	return e.Kind == Entry && e.Duration >= 0
}

func NewSliceSource(events []Event) *SliceSource {
	return &SliceSource{events: events}
}

func (s *SliceSource) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.i >= len(s.events) {
		return Event{}, io.EOF
	}
	e := s.events[s.i]
	s.i++
	return e, nil
}

// Len returns the number of events left.
func (s *SliceSource) Len() int {
	return len(s.events) - s.i
}

// Enter is a shorthand for an entry event without a known duration.
func Enter(ts, pid, tid int64, label string) Event {
	return Event{
		Timestamp: ts,
		Kind:      Entry,
		PID:       pid,
		TID:       tid,
		Label:     label,
		Duration:  UnknownDuration,
	}
}

// Leave is a shorthand for an exit event.
func Leave(ts, pid, tid int64) Event {
	return Event{
		Timestamp: ts,
		Kind:      Exit,
		PID:       pid,
		TID:       tid,
		Duration:  UnknownDuration,
	}
}

// Complete is an entry event carrying its own duration.
func Complete(ts, dur, pid, tid int64, label string) Event {
	return Event{
		Timestamp: ts,
		Kind:      Entry,
		PID:       pid,
		TID:       tid,
		Label:     label,
		Duration:  dur,
	}
}
