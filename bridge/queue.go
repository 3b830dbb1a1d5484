package bridge

import (
	"sync"

	draftwriter "github.com/Paranoid-AF/draftwriter"
)

// Item is one queued event, tagged with the generation session that produced it.
type Item struct {
	Session string
	Event   draftwriter.StreamEvent
}

// Queue is an unbounded FIFO safe for concurrent producers and a single
// consumer. It is the only state shared between a worker and the UI loop.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends an item. It returns false once the queue is closed.
func (q *Queue) Push(item Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	return true
}

// TryPop removes the oldest item without blocking.
func (q *Queue) TryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Pending items can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// IsClosed returns whether the queue is closed.
func (q *Queue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
