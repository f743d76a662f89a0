package interval

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/getsentry/callstack/internal/attribute"
)

type (
	// Interval is the closed-open range [Start, End) holding a label. An
	// empty label marks a time range where nothing is on the stack.
	Interval struct {
		Start int64  `json:"start"`
		End   int64  `json:"end"`
		Label string `json:"label,omitempty"`
	}

	Direction int

	// Store keeps one append-only sequence of intervals per quark.
	Store struct {
		mu    sync.RWMutex
		seqs  map[attribute.Quark]*sequence
		count int
		start int64
		end   int64
	}

	// Snapshot holds every stored sequence.
	Snapshot struct {
		Sequences map[attribute.Quark][]Interval `json:"sequences"`
	}
)

const (
	Forward Direction = iota
	Backward
)

var (
	ErrOrderViolation  = errors.New("interval: order violation")
	ErrInvalidInterval = errors.New("interval: invalid interval")
)

func (d Direction) String() string {
	if d == Backward {
		return "backward"
	}
	return "forward"
}

// ParseDirection accepts "forward" and "backward".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "forward", "next":
		return Forward, nil
	case "backward", "previous", "prev":
		return Backward, nil
	}
	return Forward, fmt.Errorf("interval: unknown direction %q", s)
}

func (i Interval) Empty() bool {
	return i.Label == ""
}

func (i Interval) Duration() int64 {
	return i.End - i.Start
}

func (i Interval) Contains(t int64) bool {
	return i.Start <= t && t < i.End
}

func (i Interval) clip(lo, hi int64) Interval {
	if i.Start < lo {
		i.Start = lo
	}
	if i.End > hi {
		i.End = hi
	}
	return i
}

func NewStore() *Store {
	return &Store{seqs: make(map[attribute.Quark]*sequence)}
}

// Append adds iv at the end of the sequence of q. It is the only way to
// mutate a store.
func (s *Store) Append(q attribute.Quark, iv Interval) error {
	if iv.End <= iv.Start {
		return fmt.Errorf("%w: quark %d: [%d, %d)", ErrInvalidInterval, q, iv.Start, iv.End)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, exists := s.seqs[q]
	if !exists {
		seq = &sequence{}
		s.seqs[q] = seq
	}
	if n := seq.len(); n > 0 {
		if last := seq.at(n - 1); iv.Start < last.End {
			return fmt.Errorf("%w: quark %d: start %d precedes end %d", ErrOrderViolation, q, iv.Start, last.End)
		}
	}
	seq.append(iv)
	if s.count == 0 {
		s.start, s.end = iv.Start, iv.End
	} else {
		s.start = min(s.start, iv.Start)
		s.end = max(s.end, iv.End)
	}
	s.count++
	return nil
}

// Query returns the stored intervals of q overlapping [lo, hi), clipped to
// that range.
func (s *Store) Query(q attribute.Quark, lo, hi int64) []Interval {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, exists := s.seqs[q]
	if !exists || hi <= lo {
		return nil
	}
	var result []Interval
	for i := seq.search(func(iv Interval) bool { return iv.End > lo }); i < seq.len(); i++ {
		iv := seq.at(i)
		if iv.Start >= hi {
			break
		}
		result = append(result, iv.clip(lo, hi))
	}
	return result
}

// QueryFilled is Query with every gap inside [lo, hi) materialized as an
// empty interval, so each instant of the range resolves to exactly one
// interval.
func (s *Store) QueryFilled(q attribute.Quark, lo, hi int64) []Interval {
	if hi <= lo {
		return nil
	}
	stored := s.Query(q, lo, hi)
	result := make([]Interval, 0, 2*len(stored)+1)
	cursor := lo
	for _, iv := range stored {
		if iv.Start > cursor {
			result = append(result, Interval{Start: cursor, End: iv.Start})
		}
		result = append(result, iv)
		cursor = iv.End
	}
	if cursor < hi {
		result = append(result, Interval{Start: cursor, End: hi})
	}
	return result
}

// Nearest returns the first interval starting strictly after t when going
// forward, or the last one starting strictly before t when going backward.
func (s *Store) Nearest(q attribute.Quark, t int64, dir Direction) (Interval, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, exists := s.seqs[q]
	if !exists {
		return Interval{}, false
	}
	if dir == Forward {
		i := seq.search(func(iv Interval) bool { return iv.Start > t })
		if i == seq.len() {
			return Interval{}, false
		}
		return seq.at(i), true
	}
	i := seq.search(func(iv Interval) bool { return iv.Start >= t }) - 1
	if i < 0 {
		return Interval{}, false
	}
	return seq.at(i), true
}

// At returns the stored interval containing t.
func (s *Store) At(q attribute.Quark, t int64) (Interval, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, exists := s.seqs[q]
	if !exists {
		return Interval{}, false
	}
	i := seq.search(func(iv Interval) bool { return iv.End > t })
	if i == seq.len() {
		return Interval{}, false
	}
	iv := seq.at(i)
	if !iv.Contains(t) {
		return Interval{}, false
	}
	return iv, true
}

// Boundary returns the closest start or end of a stored interval strictly
// after (forward) or before (backward) t.
func (s *Store) Boundary(q attribute.Quark, t int64, dir Direction) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, exists := s.seqs[q]
	if !exists {
		return 0, false
	}
	if dir == Forward {
		i := seq.search(func(iv Interval) bool { return iv.End > t })
		if i == seq.len() {
			return 0, false
		}
		iv := seq.at(i)
		if iv.Start > t {
			return iv.Start, true
		}
		return iv.End, true
	}
	i := seq.search(func(iv Interval) bool { return iv.Start >= t }) - 1
	if i < 0 {
		return 0, false
	}
	iv := seq.at(i)
	if iv.End < t {
		return iv.End, true
	}
	return iv.Start, true
}

// First returns the earliest interval of q.
func (s *Store) First(q attribute.Quark) (Interval, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, exists := s.seqs[q]
	if !exists || seq.len() == 0 {
		return Interval{}, false
	}
	return seq.at(0), true
}

// Last returns the latest interval of q.
func (s *Store) Last(q attribute.Quark) (Interval, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, exists := s.seqs[q]
	if !exists || seq.len() == 0 {
		return Interval{}, false
	}
	return seq.at(seq.len() - 1), true
}

func (s *Store) Len(q attribute.Quark) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, exists := s.seqs[q]
	if !exists {
		return 0
	}
	return seq.len()
}

// Count returns the number of intervals across all quarks.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Quarks returns every quark with at least one interval, sorted.
func (s *Store) Quarks() []attribute.Quark {
	s.mu.RLock()
	defer s.mu.RUnlock()
	quarks := make([]attribute.Quark, 0, len(s.seqs))
	for q := range s.seqs {
		quarks = append(quarks, q)
	}
	sort.Slice(quarks, func(i, j int) bool { return quarks[i] < quarks[j] })
	return quarks
}

// Bounds returns the smallest start and the largest end stored.
func (s *Store) Bounds() (int64, int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return 0, 0, false
	}
	return s.start, s.end, true
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := Snapshot{Sequences: make(map[attribute.Quark][]Interval, len(s.seqs))}
	for q, seq := range s.seqs {
		snapshot.Sequences[q] = seq.slice()
	}
	return snapshot
}

// Restore rebuilds a store, validating ordering the same way Append does.
func Restore(snapshot Snapshot) (*Store, error) {
	s := NewStore()
	quarks := make([]attribute.Quark, 0, len(snapshot.Sequences))
	for q := range snapshot.Sequences {
		quarks = append(quarks, q)
	}
	sort.Slice(quarks, func(i, j int) bool { return quarks[i] < quarks[j] })
	for _, q := range quarks {
		for _, iv := range snapshot.Sequences[q] {
			if err := s.Append(q, iv); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}
