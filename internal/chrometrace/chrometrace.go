// Package chrometrace writes call trees as Chrome trace events, readable by
// chrome://tracing, Perfetto and the tef package.
package chrometrace

import (
	"strconv"

	"github.com/getsentry/callstack/internal/nodetree"
)

type (
	Event struct {
		Name  string            `json:"name"`
		Phase phase             `json:"ph"`
		TS    float64           `json:"ts"`
		Dur   float64           `json:"dur,omitempty"`
		PID   int64             `json:"pid"`
		TID   int64             `json:"tid"`
		Args  map[string]string `json:"args,omitempty"`
	}

	Output struct {
		TraceEvents     []Event           `json:"traceEvents"`
		DisplayTimeUnit string            `json:"displayTimeUnit"`
		OtherData       map[string]string `json:"otherData,omitempty"`
	}

	Builder struct {
		output    Output
		processes map[int64]struct{}
	}

	phase string
)

const (
	phaseComplete phase = "X"
	phaseMetadata phase = "M"

	unknownID int64 = -1
)

func NewBuilder(name, exporter string) *Builder {
	return &Builder{
		output: Output{
			TraceEvents:     []Event{},
			DisplayTimeUnit: "ns",
			OtherData:       map[string]string{"name": name, "exporter": exporter},
		},
		processes: make(map[int64]struct{}),
	}
}

// AddCallTree adds the calls of a thread. process and thread are the names
// of the hierarchy nodes, numeric unless unknown.
func (b *Builder) AddCallTree(process, thread string, roots []*nodetree.Node) {
	pid, tid := parseID(process), parseID(thread)
	if _, exists := b.processes[pid]; !exists {
		b.processes[pid] = struct{}{}
		b.output.TraceEvents = append(b.output.TraceEvents, Event{
			Name:  "process_name",
			Phase: phaseMetadata,
			PID:   pid,
			Args:  map[string]string{"name": process},
		})
	}
	b.output.TraceEvents = append(b.output.TraceEvents, Event{
		Name:  "thread_name",
		Phase: phaseMetadata,
		PID:   pid,
		TID:   tid,
		Args:  map[string]string{"name": thread},
	})
	for _, r := range roots {
		b.addNode(pid, tid, r)
	}
}

func (b *Builder) addNode(pid, tid int64, n *nodetree.Node) {
	b.output.TraceEvents = append(b.output.TraceEvents, Event{
		Name:  n.Name,
		Phase: phaseComplete,
		TS:    micros(n.StartNS),
		Dur:   micros(n.DurationNS),
		PID:   pid,
		TID:   tid,
	})
	for _, c := range n.Children {
		b.addNode(pid, tid, c)
	}
}

func (b *Builder) Output() Output {
	return b.output
}

func micros(ns int64) float64 {
	return float64(ns) / 1e3
}

func parseID(name string) int64 {
	id, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return unknownID
	}
	return id
}
