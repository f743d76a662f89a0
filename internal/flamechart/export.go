package flamechart

import (
	"fmt"
	"math"

	"github.com/getsentry/callstack/internal/attribute"
	"github.com/getsentry/callstack/internal/callstack"
	"github.com/getsentry/callstack/internal/chrometrace"
	"github.com/getsentry/callstack/internal/interval"
	"github.com/getsentry/callstack/internal/nodetree"
	"github.com/getsentry/callstack/internal/speedscope"
)

type stackRef struct {
	process string
	thread  string
	stack   attribute.Quark
}

func (r stackRef) name() string {
	return r.process + "/" + r.thread
}

func (p *Provider) callTree(stack attribute.Quark) []*nodetree.Node {
	depths := p.depths(stack)
	sequences := make([][]interval.Interval, 0, len(depths))
	for _, d := range depths {
		sequences = append(sequences, p.store.Query(d.quark, math.MinInt64, math.MaxInt64))
	}
	return nodetree.FromSequences(sequences)
}

// CallTree returns the calls of a thread nested by depth.
func (p *Provider) CallTree(id int64) ([]*nodetree.Node, error) {
	r, ok := p.resolve(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	if r.kind != KindThread && r.kind != KindLevel {
		return nil, fmt.Errorf("%w: %d is a %s", ErrNotFollowable, id, r.kind)
	}
	return p.callTree(r.stack), nil
}

// stacks lists the call stacks below an entry.
func (p *Provider) stacks(r resolved) []stackRef {
	var processes []attribute.Quark
	switch r.kind {
	case KindThread, KindLevel, KindFunction:
		thread := p.tree.Parent(r.stack)
		process := p.tree.Parent(thread)
		return []stackRef{{process: p.tree.Name(process), thread: p.tree.Name(thread), stack: r.stack}}
	case KindProcess:
		processes = []attribute.Quark{r.quark}
	case KindTrace:
		root, ok := p.tree.Lookup(callstack.ProcessesAttribute)
		if !ok {
			return nil
		}
		processes = p.sortByName(p.tree.Children(root))
	}
	var refs []stackRef
	for _, process := range processes {
		for _, thread := range p.sortByName(p.tree.Children(process)) {
			stack, ok := p.tree.LookupRelative(thread, callstack.CallStackAttribute)
			if !ok {
				continue
			}
			refs = append(refs, stackRef{process: p.tree.Name(process), thread: p.tree.Name(thread), stack: stack})
		}
	}
	return refs
}

// Speedscope exports the call stacks below an entry as evented profiles, one
// per thread.
func (p *Provider) Speedscope(id int64) (speedscope.Output, error) {
	r, ok := p.resolve(id)
	if !ok {
		return speedscope.Output{}, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	start, end := p.progress.Bounds()
	b := speedscope.NewBuilder(p.name, "callstack")
	for _, ref := range p.stacks(r) {
		b.AddCallTree(ref.name(), start, end, p.callTree(ref.stack))
	}
	return b.Output(), nil
}

// ChromeTrace exports the call stacks below an entry as complete trace
// events.
func (p *Provider) ChromeTrace(id int64) (chrometrace.Output, error) {
	r, ok := p.resolve(id)
	if !ok {
		return chrometrace.Output{}, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	b := chrometrace.NewBuilder(p.name, "callstack")
	for _, ref := range p.stacks(r) {
		b.AddCallTree(ref.process, ref.thread, p.callTree(ref.stack))
	}
	return b.Output(), nil
}
