package flamechart

import (
	"sort"
	"strconv"

	"github.com/getsentry/callstack/internal/attribute"
	"github.com/getsentry/callstack/internal/callstack"
)

type (
	EntryKind string

	// Entry is a row of the flame chart tree.
	Entry struct {
		ID       int64     `json:"id"`
		ParentID int64     `json:"parent_id"`
		Name     string    `json:"name"`
		Kind     EntryKind `json:"kind"`
		// Depth is the call stack depth of function entries, -1 otherwise.
		Depth int `json:"depth"`
	}

	// resolved is an entry id mapped back to the hierarchy.
	resolved struct {
		kind  EntryKind
		quark attribute.Quark
		// stack is the call stack node of thread, level and function entries.
		stack attribute.Quark
		depth int
	}

	depthQuark struct {
		depth int
		quark attribute.Quark
	}
)

const (
	KindTrace    EntryKind = "trace"
	KindProcess  EntryKind = "process"
	KindThread   EntryKind = "thread"
	KindLevel    EntryKind = "level"
	KindFunction EntryKind = "function"
	// KindKernel is reserved for kernel stacks, which are never built.
	KindKernel EntryKind = "kernel"
)

const (
	TraceID  int64 = 0
	NoParent int64 = -1
	noDepth        = -1
)

func entryID(q attribute.Quark) int64 {
	return int64(q) + 1
}

func (p *Provider) resolve(id int64) (resolved, bool) {
	if id == TraceID {
		return resolved{kind: KindTrace, quark: attribute.Root, stack: attribute.Root, depth: noDepth}, true
	}
	q := attribute.Quark(id - 1)
	if id < 0 || !p.tree.Contains(q) {
		return resolved{}, false
	}
	path := p.tree.Path(q)
	if len(path) < 2 || path[0] != callstack.ProcessesAttribute {
		return resolved{}, false
	}
	r := resolved{quark: q, stack: attribute.Root, depth: noDepth}
	switch len(path) {
	case 2:
		r.kind = KindProcess
	case 3:
		stack, ok := p.tree.LookupRelative(q, callstack.CallStackAttribute)
		if !ok {
			return resolved{}, false
		}
		r.kind = KindThread
		r.stack = stack
	case 4:
		if path[3] != callstack.CallStackAttribute {
			return resolved{}, false
		}
		r.kind = KindLevel
		r.stack = q
	case 5:
		if path[3] != callstack.CallStackAttribute {
			return resolved{}, false
		}
		depth, err := strconv.Atoi(path[4])
		if err != nil {
			return resolved{}, false
		}
		r.kind = KindFunction
		r.stack = p.tree.Parent(q)
		r.depth = depth
	default:
		return resolved{}, false
	}
	return r, true
}

// depths returns the depth nodes of a call stack ordered by depth.
func (p *Provider) depths(stack attribute.Quark) []depthQuark {
	children := p.tree.Children(stack)
	depths := make([]depthQuark, 0, len(children))
	for _, c := range children {
		d, err := strconv.Atoi(p.tree.Name(c))
		if err != nil {
			continue
		}
		depths = append(depths, depthQuark{depth: d, quark: c})
	}
	sort.Slice(depths, func(i, j int) bool { return depths[i].depth < depths[j].depth })
	return depths
}

// sortByName orders numeric names numerically, then the others
// alphabetically.
func (p *Provider) sortByName(quarks []attribute.Quark) []attribute.Quark {
	type named struct {
		quark   attribute.Quark
		name    string
		number  int64
		numeric bool
	}
	nodes := make([]named, 0, len(quarks))
	for _, q := range quarks {
		n := named{quark: q, name: p.tree.Name(q)}
		if v, err := strconv.ParseInt(n.name, 10, 64); err == nil {
			n.number, n.numeric = v, true
		}
		nodes = append(nodes, n)
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.numeric != b.numeric {
			return a.numeric
		}
		if a.numeric {
			return a.number < b.number
		}
		return a.name < b.name
	})
	sorted := make([]attribute.Quark, 0, len(nodes))
	for _, n := range nodes {
		sorted = append(sorted, n.quark)
	}
	return sorted
}
