// Package eventtest holds event fixtures shared by tests.
package eventtest

import (
	"sort"

	"github.com/getsentry/callstack/internal/event"
)

// Merge interleaves per-thread event lists by timestamp, keeping the order
// of events sharing a timestamp.
func Merge(threads ...[]event.Event) []event.Event {
	var events []event.Event
	for _, t := range threads {
		events = append(events, t...)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
	return events
}

// Nested is a single thread running A1 [0,10) calling B1 [2,5), then A2
// [12,20) calling B2 [14,18).
func Nested() []event.Event {
	return []event.Event{
		event.Enter(0, 1, 1, "A1"),
		event.Enter(2, 1, 1, "B1"),
		event.Leave(5, 1, 1),
		event.Leave(10, 1, 1),
		event.Enter(12, 1, 1, "A2"),
		event.Enter(14, 1, 1, "B2"),
		event.Leave(18, 1, 1),
		event.Leave(20, 1, 1),
	}
}

// Threads is a trace of two processes with two threads each, covering
// [1, 20]. Thread 7 only reports complete events.
//
//	pid 1 tid 2: op1 [1,10) > op2 [3,7) > op3 [4,5), op4 [12,20)
//	pid 1 tid 3: op2 [3,20) > op3 [5,6), op2 [7,13)
//	pid 5 tid 6: op1 [1,20) > op3 [2,7) > op1 [4,6)
//	                        > op2 [8,11) > op3 [9,10)
//	                        > op4 [12,20)
//	pid 5 tid 7: op5 [1,20) > op2 [2,6), op3 [7,15) > op1 [10,13)
func Threads() []event.Event {
	return Merge(
		[]event.Event{
			event.Enter(1, 1, 2, "op1"),
			event.Enter(3, 1, 2, "op2"),
			event.Enter(4, 1, 2, "op3"),
			event.Leave(5, 1, 2),
			event.Leave(7, 1, 2),
			event.Leave(10, 1, 2),
			event.Enter(12, 1, 2, "op4"),
			event.Leave(20, 1, 2),
		},
		[]event.Event{
			event.Enter(3, 1, 3, "op2"),
			event.Enter(5, 1, 3, "op3"),
			event.Leave(6, 1, 3),
			event.Enter(7, 1, 3, "op2"),
			event.Leave(13, 1, 3),
			event.Leave(20, 1, 3),
		},
		[]event.Event{
			event.Enter(1, 5, 6, "op1"),
			event.Enter(2, 5, 6, "op3"),
			event.Enter(4, 5, 6, "op1"),
			event.Leave(6, 5, 6),
			event.Leave(7, 5, 6),
			event.Enter(8, 5, 6, "op2"),
			event.Enter(9, 5, 6, "op3"),
			event.Leave(10, 5, 6),
			event.Leave(11, 5, 6),
			event.Enter(12, 5, 6, "op4"),
			event.Leave(20, 5, 6),
			event.Leave(20, 5, 6),
		},
		[]event.Event{
			event.Complete(1, 19, 5, 7, "op5"),
			event.Complete(2, 4, 5, 7, "op2"),
			event.Complete(7, 8, 5, 7, "op3"),
			event.Complete(10, 3, 5, 7, "op1"),
		},
	)
}
