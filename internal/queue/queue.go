// Package queue provides the trigger intake: a generic FIFO plus a
// blocking wrapper that engine workers pop with context cancellation
// and that the trigger subsystem closes on shutdown.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned once the intake is closed and drained.
var ErrClosed = errors.New("queue: closed")

// FIFO is an unbounded first-in-first-out queue over a linked list.
// Not safe for concurrent use; Intake adds the locking.
type FIFO[V any] struct {
	head *node[V]
	tail *node[V]
	size int
}

type node[V any] struct {
	value V
	next  *node[V]
}

// Push appends a value.
func (q *FIFO[V]) Push(v V) {
	n := &node[V]{value: v}
	if q.tail != nil {
		q.tail.next = n
	}
	q.tail = n
	if q.head == nil {
		q.head = n
	}
	q.size++
}

// Pop removes and returns the oldest value.
func (q *FIFO[V]) Pop() (V, bool) {
	if q.head == nil {
		var zero V
		return zero, false
	}
	n := q.head
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}
	q.size--
	return n.value, true
}

// Peek returns the oldest value without removing it.
func (q *FIFO[V]) Peek() (V, bool) {
	if q.head == nil {
		var zero V
		return zero, false
	}
	return q.head.value, true
}

// Len returns the number of queued values.
func (q *FIFO[V]) Len() int { return q.size }

// Intake is a closeable, concurrency-safe blocking FIFO.
type Intake[V any] struct {
	mu      sync.Mutex
	fifo    FIFO[V]
	arrived chan struct{}
	closed  bool
}

// NewIntake returns an open intake.
func NewIntake[V any]() *Intake[V] {
	return &Intake[V]{arrived: make(chan struct{})}
}

// Push appends a value and wakes blocked Pops. After Close it returns
// ErrClosed.
func (q *Intake[V]) Push(v V) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.fifo.Push(v)
	close(q.arrived)
	q.arrived = make(chan struct{})
	return nil
}

// Pop removes the oldest value, blocking until one arrives, the
// context ends, or the intake closes. A closed intake drains its
// remaining values before reporting ErrClosed.
func (q *Intake[V]) Pop(ctx context.Context) (V, error) {
	var zero V
	for {
		q.mu.Lock()
		if v, ok := q.fifo.Pop(); ok {
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		wait := q.arrived
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-wait:
		}
	}
}

// Len returns the number of queued values.
func (q *Intake[V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fifo.Len()
}

// Close stops admission and wakes every blocked Pop. Idempotent.
func (q *Intake[V]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.arrived)
	q.arrived = make(chan struct{})
}
