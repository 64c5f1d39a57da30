// Package queue provides a mutex-guarded FIFO queue used for command,
// response and status delivery between the dispatcher, server and client
// loops.
package queue

import "sync"

// Queue is a goroutine-safe FIFO queue.
//
// The zero value is ready to use.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// New creates a new Queue with the given preallocated capacity.
func New[T any](prealloc int) *Queue[T] {
	return &Queue[T]{items: make([]T, 0, prealloc)}
}

// Push adds an item to the tail of the queue. It never blocks.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
}

// Pop removes and returns the item at the head of the queue.
// It returns the zero value and false if the queue is empty.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}

	item := q.items[0]
	q.items[0] = zero // release the reference for GC
	q.items = q.items[1:]

	return item, true
}

// Peek returns the item at the head of the queue without removing it.
// It returns the zero value and false if the queue is empty.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	return q.items[0], true
}

// TakeLatest removes every queued item and returns at most n of the most
// recent ones, preserving their relative order. Older items are discarded.
// It returns the number of discarded items as the second value.
//
// This is the "last value wins" drain used for status backpressure.
func (q *Queue[T]) TakeLatest(n int) ([]T, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	total := len(q.items)
	if total == 0 {
		return nil, 0
	}

	dropped := 0
	if n < total {
		dropped = total - n
	} else {
		n = total
	}

	out := make([]T, n)
	copy(out, q.items[total-n:])
	q.items = q.items[:0]

	return out, dropped
}

// Clear discards every queued item.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.items = q.items[:0]
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// IsEmpty returns true if the queue has no items.
func (q *Queue[T]) IsEmpty() bool {
	return q.Len() == 0
}
