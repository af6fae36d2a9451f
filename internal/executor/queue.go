package executor

import "container/heap"

// queueItem is one pending submission in the priority queue.
type queueItem struct {
	handle    *RunHandle
	priority  int
	catRank   int
	seq       uint64
	index     int
	cancelled bool
}

// runQueue is a min-heap ordered by (priority, category rank, arrival).
// All access happens under the pool mutex; the critical section is a handful
// of pointer swaps.
type runQueue struct {
	items []*queueItem
}

func (q *runQueue) Len() int { return len(q.items) }

func (q *runQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if a.catRank != b.catRank {
		return a.catRank < b.catRank
	}
	return a.seq < b.seq
}

func (q *runQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *runQueue) Push(x any) {
	it := x.(*queueItem)
	it.index = len(q.items)
	q.items = append(q.items, it)
}

func (q *runQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return it
}

func (q *runQueue) push(it *queueItem) {
	heap.Push(q, it)
}

// popEligible removes and returns the best item whose category still has
// capacity, discarding cancelled items along the way. Ineligible items are
// reinserted. Returns nil when nothing is runnable.
func (q *runQueue) popEligible(eligible func(*queueItem) bool) *queueItem {
	var skipped []*queueItem
	var picked *queueItem

	for q.Len() > 0 {
		it := heap.Pop(q).(*queueItem)
		if it.cancelled {
			continue
		}
		if eligible(it) {
			picked = it
			break
		}
		skipped = append(skipped, it)
	}
	for _, it := range skipped {
		heap.Push(q, it)
	}
	return picked
}
