package cache

import "github.com/cesargomez89/offtrack/internal/domain"

// node is one entry in the eviction heap.
type node struct {
	entry   domain.CacheEntry
	seq     uint64 // tie-break for equal access times
	heapIdx int
}

// lruHeap is a min-heap ordered by last access, oldest first.
type lruHeap []*node

func (h lruHeap) Len() int { return len(h) }
func (h lruHeap) Less(i, j int) bool { return older(h[i], h[j]) }
func (h lruHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *lruHeap) Push(x any) {
	n := x.(*node)
	n.heapIdx = len(*h)
	*h = append(*h, n)
}
func (h *lruHeap) Pop() any {
	old := *h
	last := len(old) - 1
	n := old[last]
	old[last] = nil
	n.heapIdx = -1
	*h = old[:last]
	return n
}

func (h lruHeap) peek() *node {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

func older(a, b *node) bool {
	if a.entry.LastAccess.Equal(b.entry.LastAccess) {
		return a.seq < b.seq
	}
	return a.entry.LastAccess.Before(b.entry.LastAccess)
}
