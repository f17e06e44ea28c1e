package pipeline

import (
	"iter"

	"cdsextractor/internal/compiler"
)

// queue is the FIFO of pending compile tasks. Requeued tasks go to the
// back, so every first attempt runs before any retry.
type queue struct {
	items []*compiler.Task
}

func newQueue() *queue { return &queue{} }

func (q *queue) push(t *compiler.Task) { q.items = append(q.items, t) }

func (q *queue) pop() (*compiler.Task, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

func (q *queue) len() int { return len(q.items) }

// drain yields tasks until the queue is empty, including ones pushed
// while draining.
func (q *queue) drain() iter.Seq[*compiler.Task] {
	return func(yield func(*compiler.Task) bool) {
		for {
			t, ok := q.pop()
			if !ok || !yield(t) {
				return
			}
		}
	}
}
