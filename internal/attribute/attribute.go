// Package attribute keeps the hierarchy of named attributes a trace is
// decomposed into, such as Processes/<pid>/<tid>/CallStack/<depth>. Every
// node is identified by a quark, a dense integer handle that is never reused.
package attribute

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

type (
	// Quark identifies a node of the tree.
	Quark int

	node struct {
		name     string
		parent   Quark
		children []Quark
	}

	// Tree is safe for concurrent use. Readers never block each other and
	// only wait on a writer while a new node is being created.
	Tree struct {
		mu    sync.RWMutex
		nodes []node
		index map[string]Quark
	}

	// Node is the serialized form of a quark.
	Node struct {
		Name   string `json:"name"`
		Parent Quark  `json:"parent"`
	}

	// Snapshot lists every node in quark order.
	Snapshot struct {
		Nodes []Node `json:"nodes"`
	}
)

// Root is the implicit parent of top level attributes.
const Root Quark = -1

const separator = "\x00"

var ErrInvalidSnapshot = errors.New("attribute: invalid snapshot")

func New() *Tree {
	return &Tree{
		index: make(map[string]Quark),
	}
}

func key(parent Quark, name string) string {
	return strconv.Itoa(int(parent)) + separator + name
}

// GetOrCreate returns the quark at path, creating missing nodes along the
// way. An empty path resolves to Root.
func (t *Tree) GetOrCreate(path ...string) Quark {
	return t.GetOrCreateRelative(Root, path...)
}

// GetOrCreateRelative is GetOrCreate starting below parent.
func (t *Tree) GetOrCreateRelative(parent Quark, path ...string) Quark {
	q := parent
	for _, name := range path {
		q = t.child(q, name)
	}
	return q
}

func (t *Tree) child(parent Quark, name string) Quark {
	k := key(parent, name)

	t.mu.RLock()
	q, exists := t.index[k]
	t.mu.RUnlock()
	if exists {
		return q
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// another writer might have created it in between
	if q, exists := t.index[k]; exists {
		return q
	}
	return t.insert(parent, name)
}

// insert expects the write lock to be held.
func (t *Tree) insert(parent Quark, name string) Quark {
	q := Quark(len(t.nodes))
	t.nodes = append(t.nodes, node{name: name, parent: parent})
	t.index[key(parent, name)] = q
	if parent != Root {
		t.nodes[parent].children = append(t.nodes[parent].children, q)
	}
	return q
}

// Lookup resolves path without creating anything.
func (t *Tree) Lookup(path ...string) (Quark, bool) {
	return t.LookupRelative(Root, path...)
}

func (t *Tree) LookupRelative(parent Quark, path ...string) (Quark, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q := parent
	for _, name := range path {
		c, exists := t.index[key(q, name)]
		if !exists {
			return Root, false
		}
		q = c
	}
	return q, true
}

// Children returns the direct children of q in creation order.
func (t *Tree) Children(q Quark) []Quark {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if q == Root {
		var roots []Quark
		for i, n := range t.nodes {
			if n.parent == Root {
				roots = append(roots, Quark(i))
			}
		}
		return roots
	}
	if !t.valid(q) {
		return nil
	}
	children := make([]Quark, len(t.nodes[q].children))
	copy(children, t.nodes[q].children)
	return children
}

func (t *Tree) Name(q Quark) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.valid(q) {
		return ""
	}
	return t.nodes[q].name
}

func (t *Tree) Parent(q Quark) Quark {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.valid(q) {
		return Root
	}
	return t.nodes[q].parent
}

// Path returns the names from the top level down to q.
func (t *Tree) Path(q Quark) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var path []string
	for t.valid(q) {
		path = append(path, t.nodes[q].name)
		q = t.nodes[q].parent
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// String formats the path of q, mostly for logging.
func (t *Tree) String(q Quark) string {
	return strings.Join(t.Path(q), "/")
}

// Len returns the number of quarks allocated so far.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Contains reports whether q was allocated by this tree.
func (t *Tree) Contains(q Quark) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.valid(q)
}

func (t *Tree) valid(q Quark) bool {
	return q >= 0 && int(q) < len(t.nodes)
}

func (t *Tree) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Snapshot{Nodes: make([]Node, 0, len(t.nodes))}
	for _, n := range t.nodes {
		s.Nodes = append(s.Nodes, Node{Name: n.name, Parent: n.parent})
	}
	return s
}

// Restore rebuilds a tree with the exact same quarks as the snapshot.
func Restore(s Snapshot) (*Tree, error) {
	t := New()
	for i, n := range s.Nodes {
		if n.Parent != Root && (n.Parent < 0 || int(n.Parent) >= i) {
			return nil, fmt.Errorf("%w: node %d has parent %d", ErrInvalidSnapshot, i, n.Parent)
		}
		if _, exists := t.index[key(n.Parent, n.Name)]; exists {
			return nil, fmt.Errorf("%w: duplicate node %q under %d", ErrInvalidSnapshot, n.Name, n.Parent)
		}
		t.insert(n.Parent, n.Name)
	}
	return t, nil
}
