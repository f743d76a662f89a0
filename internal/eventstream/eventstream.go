// Package eventstream reads events published in batches on a Kafka topic.
package eventstream

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/callstack/internal/errorutil"
	"github.com/getsentry/callstack/internal/event"
	"github.com/getsentry/callstack/internal/layout"
)

type (
	// Reader is the subset of *kafka.Reader used by Source.
	Reader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	}

	// Batch is the payload of a message.
	Batch struct {
		Events []Event `json:"events"`
		// End marks the last batch of a trace.
		End bool `json:"end,omitempty"`
	}

	// Event is the wire form of an event. Kind is "entry" or "exit"; when
	// empty the layout classifies the event by its name.
	Event struct {
		Timestamp int64  `json:"ts"`
		Kind      string `json:"kind,omitempty"`
		PID       *int64 `json:"pid,omitempty"`
		TID       *int64 `json:"tid,omitempty"`
		Name      string `json:"name"`
		Duration  *int64 `json:"dur,omitempty"`
	}

	Source struct {
		reader  Reader
		layout  layout.Layout
		pending []event.Event
		ended   bool
		skipped int
	}
)

func NewSource(r Reader, l layout.Layout) *Source {
	return &Source{reader: r, layout: l}
}

// Next returns the next event, fetching batches as needed. It returns io.EOF
// once a batch marked as the end was consumed.
func (s *Source) Next(ctx context.Context) (event.Event, error) {
	for len(s.pending) == 0 {
		if s.ended {
			return event.Event{}, io.EOF
		}
		if err := s.fetch(ctx); err != nil {
			return event.Event{}, err
		}
	}
	e := s.pending[0]
	s.pending = s.pending[1:]
	return e, nil
}

// Skipped returns the number of events dropped by the layout.
func (s *Source) Skipped() int {
	return s.skipped
}

func (s *Source) fetch(ctx context.Context) error {
	m, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return err
	}
	var b Batch
	err = json.Unmarshal(m.Value, &b)
	if err != nil {
		return fmt.Errorf("eventstream: %w: offset %d: %s", errorutil.ErrDataIntegrity, m.Offset, err.Error())
	}
	for _, we := range b.Events {
		e, ok := s.convert(we)
		if !ok {
			s.skipped++
			continue
		}
		s.pending = append(s.pending, e)
	}
	s.ended = b.End
	err = s.reader.CommitMessages(ctx, m)
	if err != nil {
		return err
	}
	log.Debug().
		Int64("offset", m.Offset).
		Int("events", len(b.Events)).
		Bool("end", b.End).
		Msg("batch consumed")
	return nil
}

func (s *Source) convert(we Event) (event.Event, bool) {
	if !s.layout.Consider(we.Name) {
		return event.Event{}, false
	}
	e := event.Event{
		Timestamp: we.Timestamp,
		Label:     we.Name,
		PID:       event.UnknownPID,
		TID:       event.UnknownTID,
		Duration:  event.UnknownDuration,
	}
	if we.PID != nil {
		e.PID = *we.PID
	}
	if we.TID != nil {
		e.TID = *we.TID
	}
	switch we.Kind {
	case "entry":
		e.Kind = event.Entry
	case "exit":
		e.Kind = event.Exit
	case "":
		_, kind, ok := s.layout.Classify(we.Name)
		if !ok {
			return event.Event{}, false
		}
		e.Kind = kind
	default:
		return event.Event{}, false
	}
	if we.Duration != nil && e.Kind == event.Entry {
		e.Duration = *we.Duration
	}
	return e, true
}
