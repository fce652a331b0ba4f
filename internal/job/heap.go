package job

// entry is a heap slot. A job re-pushed for retry gets a fresh seq, so a
// stale entry left by a cancel is detected by comparing seq.
type entry struct {
	priority Priority
	seq      uint64
	id       string
}

// jobHeap orders entries by (priority, seq) and implements heap.Interface.
type jobHeap []entry

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
