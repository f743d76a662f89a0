package callstack

// pendingPop closes the frame identified by frame at depth once the thread
// reaches trigger.
type pendingPop struct {
	trigger int64
	depth   int
	frame   uint64
	seq     uint64
}

// pendingQueue implements heap.Interface. Pops sharing a trigger time come
// out deepest first, then in scheduling order.
type pendingQueue []pendingPop

func (q pendingQueue) Len() int {
	return len(q)
}

func (q pendingQueue) Less(i, j int) bool {
	if q[i].trigger != q[j].trigger {
		return q[i].trigger < q[j].trigger
	}
	if q[i].depth != q[j].depth {
		return q[i].depth > q[j].depth
	}
	return q[i].seq < q[j].seq
}

func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *pendingQueue) Push(x any) {
	*q = append(*q, x.(pendingPop))
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	p := old[n-1]
	*q = old[:n-1]
	return p
}
