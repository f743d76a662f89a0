package interval

import "sort"

// chunkSize bounds the cost of growing a sequence: appending never copies
// more than one chunk.
const chunkSize = 1024

// sequence is an ordered list of intervals split in fixed size chunks. All
// chunks but the last one are full, so a global index maps directly to a
// chunk and an offset.
type sequence struct {
	chunks [][]Interval
	n      int
}

func (s *sequence) len() int {
	return s.n
}

func (s *sequence) at(i int) Interval {
	return s.chunks[i/chunkSize][i%chunkSize]
}

func (s *sequence) append(iv Interval) {
	if s.n%chunkSize == 0 {
		s.chunks = append(s.chunks, make([]Interval, 0, chunkSize))
	}
	last := len(s.chunks) - 1
	s.chunks[last] = append(s.chunks[last], iv)
	s.n++
}

// search returns the smallest index for which f is true, f being false then
// true over the sequence.
func (s *sequence) search(f func(Interval) bool) int {
	return sort.Search(s.n, func(i int) bool { return f(s.at(i)) })
}

func (s *sequence) slice() []Interval {
	result := make([]Interval, 0, s.n)
	for _, c := range s.chunks {
		result = append(result, c...)
	}
	return result
}
