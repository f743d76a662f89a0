package nodetree

import (
	"math"
	"sort"

	"github.com/getsentry/callstack/internal/interval"
	"github.com/getsentry/callstack/internal/quantile"
)

type (
	Node struct {
		DurationNS int64   `json:"duration_ns"`
		EndNS      int64   `json:"end_ns"`
		Name       string  `json:"name"`
		SelfTimeNS int64   `json:"self_time_ns"`
		StartNS    int64   `json:"start_ns"`
		Children   []*Node `json:"children,omitempty"`
	}

	// Function aggregates every call to a label.
	Function struct {
		Name          string `json:"name"`
		Calls         int    `json:"calls"`
		SumDurationNS int64  `json:"sum_duration_ns"`
		SumSelfTimeNS int64  `json:"sum_self_time_ns"`
		P50DurationNS int64  `json:"p50_duration_ns"`
		P99DurationNS int64  `json:"p99_duration_ns"`
	}
)

func NodeFromInterval(iv interval.Interval) *Node {
	return &Node{
		DurationNS: iv.Duration(),
		EndNS:      iv.End,
		Name:       iv.Label,
		SelfTimeNS: iv.Duration(),
		StartNS:    iv.Start,
	}
}

func (n *Node) SetDuration(t int64) {
	n.EndNS = t
	n.DurationNS = n.EndNS - n.StartNS
}

func (n *Node) Wraps(v *Node) bool {
	return n.StartNS <= v.StartNS && v.EndNS <= n.EndNS
}

func (n *Node) addChild(c *Node) {
	n.Children = append(n.Children, c)
	n.SelfTimeNS -= c.DurationNS
}

// FromSequences nests the intervals of depth d+1 under the interval of depth
// d wrapping them. Intervals without a wrapping parent become roots. Each
// sequence has to be ordered and non-overlapping.
func FromSequences(depths [][]interval.Interval) []*Node {
	var roots []*Node
	var parents []*Node
	for d, sequence := range depths {
		nodes := make([]*Node, 0, len(sequence))
		j := 0
		for _, iv := range sequence {
			if iv.Empty() {
				continue
			}
			n := NodeFromInterval(iv)
			nodes = append(nodes, n)
			if d == 0 {
				roots = append(roots, n)
				continue
			}
			for j < len(parents) && parents[j].EndNS <= n.StartNS {
				j++
			}
			if j < len(parents) && parents[j].Wraps(n) {
				parents[j].addChild(n)
			} else {
				roots = append(roots, n)
			}
		}
		parents = nodes
	}
	sort.SliceStable(roots, func(i, j int) bool { return roots[i].StartNS < roots[j].StartNS })
	return roots
}

// CollectFunctions adds the calls of n and its descendants to results and
// their durations to durations.
func (n *Node) CollectFunctions(results map[string]*Function, durations map[string]*quantile.Quantile) {
	f, exists := results[n.Name]
	if !exists {
		f = &Function{Name: n.Name}
		results[n.Name] = f
		durations[n.Name] = &quantile.Quantile{}
	}
	f.Calls++
	f.SumDurationNS += n.DurationNS
	f.SumSelfTimeNS += n.SelfTimeNS
	durations[n.Name].Add(float64(n.DurationNS))
	for _, c := range n.Children {
		c.CollectFunctions(results, durations)
	}
}

// TopFunctions returns at most limit functions, the ones with the largest
// self time first.
func TopFunctions(roots []*Node, limit int) []Function {
	results := make(map[string]*Function)
	durations := make(map[string]*quantile.Quantile)
	for _, r := range roots {
		r.CollectFunctions(results, durations)
	}
	functions := make([]Function, 0, len(results))
	for name, f := range results {
		f.P50DurationNS = int64(math.Round(durations[name].Percentile(0.5)))
		f.P99DurationNS = int64(math.Round(durations[name].Percentile(0.99)))
		functions = append(functions, *f)
	}
	sort.Slice(functions, func(i, j int) bool {
		if functions[i].SumSelfTimeNS != functions[j].SumSelfTimeNS {
			return functions[i].SumSelfTimeNS > functions[j].SumSelfTimeNS
		}
		return functions[i].Name < functions[j].Name
	})
	if limit > 0 && len(functions) > limit {
		functions = functions[:limit]
	}
	return functions
}
