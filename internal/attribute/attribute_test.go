package attribute

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/getsentry/callstack/internal/testutil"
)

func TestGetOrCreate(t *testing.T) {
	tree := New()
	thread := tree.GetOrCreate("Processes", "1", "2")
	if got := tree.GetOrCreate("Processes", "1", "2"); got != thread {
		t.Fatalf("expected the same quark, got %d and %d", got, thread)
	}

	process, ok := tree.Lookup("Processes", "1")
	if !ok {
		t.Fatal("expected the process to exist")
	}
	if tree.Parent(thread) != process {
		t.Fatalf("expected %d to be the parent of %d", process, thread)
	}

	depth := tree.GetOrCreateRelative(thread, "CallStack", "0")
	if diff := testutil.Diff(tree.Path(depth), []string{"Processes", "1", "2", "CallStack", "0"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if got := tree.String(depth); got != "Processes/1/2/CallStack/0" {
		t.Fatalf("unexpected path %q", got)
	}
	if tree.GetOrCreate() != Root {
		t.Fatal("an empty path should resolve to the root")
	}
	if _, ok := tree.Lookup("Processes", "3"); ok {
		t.Fatal("lookup should not create nodes")
	}
}

func TestChildrenOrder(t *testing.T) {
	tree := New()
	processes := tree.GetOrCreate("Processes")
	for _, name := range []string{"5", "1", "unknown"} {
		tree.GetOrCreateRelative(processes, name)
	}
	var names []string
	for _, c := range tree.Children(processes) {
		names = append(names, tree.Name(c))
	}
	if diff := testutil.Diff(names, []string{"5", "1", "unknown"}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if diff := testutil.Diff(tree.Children(Root), []Quark{processes}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestConcurrentCreation(t *testing.T) {
	tree := New()
	var wg sync.WaitGroup
	results := make([][]Quark, 8)
	for w := 0; w < len(results); w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				results[w] = append(results[w], tree.GetOrCreate("Processes", fmt.Sprint(i%10), fmt.Sprint(i)))
			}
		}(w)
	}
	wg.Wait()

	for w := 1; w < len(results); w++ {
		if diff := testutil.Diff(results[w], results[0]); diff != "" {
			t.Fatalf("Result mismatch: got - want +\n%s", diff)
		}
	}
	// Processes, 10 processes, 100 threads
	if tree.Len() != 111 {
		t.Fatalf("expected 111 quarks, got %d", tree.Len())
	}
}

func TestSnapshotRestore(t *testing.T) {
	tree := New()
	a := tree.GetOrCreate("Processes", "1", "2", "CallStack", "0")
	b := tree.GetOrCreate("Processes", "unknown", "7")

	restored, err := Restore(tree.Snapshot())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := restored.Lookup("Processes", "1", "2", "CallStack", "0"); got != a {
		t.Fatalf("expected quark %d, got %d", a, got)
	}
	if got, _ := restored.Lookup("Processes", "unknown", "7"); got != b {
		t.Fatalf("expected quark %d, got %d", b, got)
	}
	if diff := testutil.Diff(restored.Snapshot(), tree.Snapshot()); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}

func TestRestoreInvalid(t *testing.T) {
	tests := []struct {
		name     string
		snapshot Snapshot
	}{
		{
			name:     "forward parent",
			snapshot: Snapshot{Nodes: []Node{{Name: "a", Parent: 1}, {Name: "b", Parent: Root}}},
		},
		{
			name:     "duplicate",
			snapshot: Snapshot{Nodes: []Node{{Name: "a", Parent: Root}, {Name: "a", Parent: Root}}},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Restore(test.snapshot); !errors.Is(err, ErrInvalidSnapshot) {
				t.Fatalf("expected ErrInvalidSnapshot, got %v", err)
			}
		})
	}
}
