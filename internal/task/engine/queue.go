package engine

import (
	"container/heap"
	"errors"
	"time"
)

// entry is a job plus scheduler bookkeeping. The queue owns it while pending.
type entry[P any] struct {
	job         Job[P]
	seq         int64 // submission order
	rank        int64 // heap tie-break within a tier; negative for front inserts
	index       int
	retries     int
	lastErr     error
	submittedAt time.Time
	pending     *Pending
}

type entryHeap[P any] []*entry[P]

func (h entryHeap[P]) Len() int { return len(h) }

func (h entryHeap[P]) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].rank < h[j].rank
}

func (h entryHeap[P]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap[P]) Push(x any) {
	e := x.(*entry[P])
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap[P]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// jobQueue orders pending work: higher priority first, then front-inserted
// retries (newest first), then ascending submission sequence.
type jobQueue[P any] struct {
	h     entryHeap[P]
	byID  map[string]*entry[P]
	front int64
}

func newJobQueue[P any]() *jobQueue[P] {
	return &jobQueue[P]{byID: make(map[string]*entry[P])}
}

var errQueued = errors.New("id already queued")

func (q *jobQueue[P]) push(e *entry[P]) error {
	if _, ok := q.byID[e.job.ID]; ok {
		return errQueued
	}
	e.rank = e.seq
	heap.Push(&q.h, e)
	q.byID[e.job.ID] = e
	return nil
}

// pushFront inserts e ahead of every entry in its own priority tier.
func (q *jobQueue[P]) pushFront(e *entry[P]) error {
	if _, ok := q.byID[e.job.ID]; ok {
		return errQueued
	}
	q.front++
	e.rank = -q.front
	heap.Push(&q.h, e)
	q.byID[e.job.ID] = e
	return nil
}

func (q *jobQueue[P]) popHighest() (*entry[P], bool) {
	if len(q.h) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.h).(*entry[P])
	delete(q.byID, e.job.ID)
	return e, true
}

func (q *jobQueue[P]) remove(id string) (*entry[P], bool) {
	e, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.h, e.index)
	delete(q.byID, id)
	return e, true
}

func (q *jobQueue[P]) reprioritize(id string, p Priority) bool {
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	if e.job.Priority != p {
		e.job.Priority = p
		heap.Fix(&q.h, e.index)
	}
	return true
}

func (q *jobQueue[P]) get(id string) (*entry[P], bool) {
	e, ok := q.byID[id]
	return e, ok
}

func (q *jobQueue[P]) len() int { return len(q.h) }

// ordered returns pending entries in pop order without mutating the queue.
func (q *jobQueue[P]) ordered() []*entry[P] {
	cp := make(entryHeap[P], len(q.h))
	copy(cp, q.h)
	// Pop mutates index; work on shallow clones so the live heap stays intact.
	for i, e := range cp {
		c := *e
		c.index = i
		cp[i] = &c
	}
	out := make([]*entry[P], 0, len(cp))
	for cp.Len() > 0 {
		c := heap.Pop(&cp).(*entry[P])
		out = append(out, q.byID[c.job.ID])
	}
	return out
}

func (q *jobQueue[P]) ids() []string {
	es := q.ordered()
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.job.ID
	}
	return out
}

// drain removes every entry in pop order.
func (q *jobQueue[P]) drain() []*entry[P] {
	out := make([]*entry[P], 0, len(q.h))
	for {
		e, ok := q.popHighest()
		if !ok {
			return out
		}
		out = append(out, e)
	}
}
