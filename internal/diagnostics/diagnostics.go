// Package diagnostics publishes what construction of an analysis had to
// ignore or repair.
package diagnostics

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/getsentry/callstack/internal/analysis"
	"github.com/getsentry/callstack/internal/callstack"
)

type (
	// Writer is the subset of *kafka.Writer used to publish reports.
	Writer interface {
		WriteMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Inserter is the subset of *bigquery.Inserter used to store reports.
	Inserter interface {
		Put(ctx context.Context, src interface{}) error
	}

	Report struct {
		AnalysisID string              `json:"analysis_id"`
		Name       string              `json:"name"`
		Status     analysis.Status     `json:"status"`
		Error      string              `json:"error,omitempty"`
		Start      int64               `json:"start"`
		End        int64               `json:"end"`
		Events     int                 `json:"events"`
		Threads    int                 `json:"threads"`
		Intervals  int                 `json:"intervals"`
		Anomalies  callstack.Anomalies `json:"anomalies"`
		Warnings   []callstack.Warning `json:"warnings,omitempty"`
		ReportedAt time.Time           `json:"reported_at"`
	}

	Publisher struct {
		writer   Writer
		topic    string
		inserter Inserter
	}
)

var ErrNotFinished = errors.New("diagnostics: analysis not finished")

func NewReport(s analysis.Summary) Report {
	return Report{
		AnalysisID: s.ID,
		Name:       s.Name,
		Status:     s.Status,
		Error:      s.Error,
		Start:      s.Start,
		End:        s.End,
		Events:     s.Events,
		Threads:    s.Threads,
		Intervals:  s.Intervals,
		Anomalies:  s.Anomalies,
		Warnings:   s.Warnings,
		ReportedAt: time.Now().UTC(),
	}
}

// Save implements bigquery.ValueSaver.
func (r *Report) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"analysis_id":        r.AnalysisID,
		"name":               r.Name,
		"status":             string(r.Status),
		"error":              r.Error,
		"start_ns":           r.Start,
		"end_ns":             r.End,
		"events":             r.Events,
		"threads":            r.Threads,
		"intervals":          r.Intervals,
		"unmatched_exits":    r.Anomalies.UnmatchedExits,
		"order_violations":   r.Anomalies.OrderViolations,
		"truncated_frames":   r.Anomalies.TruncatedFrames,
		"skipped_events":     r.Anomalies.SkippedEvents,
		"max_depth_exceeded": r.Anomalies.MaxDepthExceeded,
		"warnings":           len(r.Warnings),
		"reported_at":        r.ReportedAt,
	}, bigquery.NoDedupeID, nil
}

// NewPublisher writes reports to topic. inserter may be nil when no table is
// configured.
func NewPublisher(w Writer, topic string, inserter Inserter) *Publisher {
	return &Publisher{writer: w, topic: topic, inserter: inserter}
}

// Publish reports a finished analysis.
func (p *Publisher) Publish(ctx context.Context, a *analysis.Analysis) (Report, error) {
	if !a.Done() {
		return Report{}, ErrNotFinished
	}
	r := NewReport(a.Summary())
	b, err := json.Marshal(r)
	if err != nil {
		return Report{}, err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(r.AnalysisID),
		Value: b,
	})
	if err != nil {
		return Report{}, err
	}
	if p.inserter != nil {
		err = p.inserter.Put(ctx, &r)
		if err != nil {
			return Report{}, err
		}
	}
	log.Info().
		Str("analysis_id", r.AnalysisID).
		Int("anomalies", r.Anomalies.Total()).
		Int("warnings", len(r.Warnings)).
		Msg("diagnostics published")
	return r, nil
}
