// Package rtqueue hands records from a real-time producer to a non-real-time
// consumer (or the reverse) without the real-time side ever blocking.
//
// A Dual keeps two bounded buffers. Producers push into the lock-free
// incoming ring and then try, without waiting, to take the merge lock and
// move everything into the stable buffer. The consumer takes the merge lock,
// merges and copies stable out. Stable order always equals push order.
package rtqueue

import (
	"sync"
	"sync/atomic"
)

type Dual[T any] struct {
	incoming *Ring[T]

	mu     sync.Mutex
	stable []T
	head   int
	count  int

	dropped atomic.Uint64
}

// NewDual returns a queue holding at most capacity records in each buffer.
func NewDual[T any](capacity int) *Dual[T] {
	if capacity < 2 {
		capacity = 2
	}
	return &Dual[T]{
		incoming: NewRing[T](capacity),
		stable:   make([]T, capacity),
	}
}

// Append never blocks. It reports false when incoming is full; the record is
// dropped and counted. An accepted record is never lost.
func (q *Dual[T]) Append(v T) bool {
	if !q.incoming.Push(v) {
		q.dropped.Add(1)
		return false
	}
	if q.mu.TryLock() {
		q.merge()
		q.mu.Unlock()
	}
	return true
}

// merge moves incoming records into stable until either runs out. Records
// that do not fit stay in incoming. Requires q.mu.
func (q *Dual[T]) merge() {
	for q.count < len(q.stable) {
		v, ok := q.incoming.Pop()
		if !ok {
			return
		}
		q.stable[(q.head+q.count)%len(q.stable)] = v
		q.count++
	}
}

// take appends up to cap(dst) records to dst; requires q.mu.
func (q *Dual[T]) take(dst []T) []T {
	var zero T
	for q.count > 0 && len(dst) < cap(dst) {
		dst = append(dst, q.stable[q.head])
		q.stable[q.head] = zero
		q.head = (q.head + 1) % len(q.stable)
		q.count--
	}
	return dst
}

// drainLocked requires q.mu.
func (q *Dual[T]) drainLocked(dst []T) []T {
	dst = dst[:0]
	for {
		q.merge()
		before := len(dst)
		dst = q.take(dst)
		if len(dst) == cap(dst) || len(dst) == before {
			return dst
		}
	}
}

// Drain merges pending records and moves up to cap(dst) of them into dst.
// It may wait briefly for the merge lock, so only non-real-time code should
// call it.
func (q *Dual[T]) Drain(dst []T) []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainLocked(dst)
}

// TryDrain is Drain for a real-time consumer. It reports false without
// touching dst's contents when the merge lock is busy.
func (q *Dual[T]) TryDrain(dst []T) ([]T, bool) {
	if !q.mu.TryLock() {
		return dst[:0], false
	}
	defer q.mu.Unlock()
	return q.drainLocked(dst), true
}

// Clear discards everything queued.
func (q *Dual[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	for {
		for i := range q.stable {
			q.stable[i] = zero
		}
		q.head, q.count = 0, 0
		q.merge()
		if q.count == 0 {
			return
		}
	}
}

// Len returns the number of merged records waiting in stable.
func (q *Dual[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns how many appends were rejected.
func (q *Dual[T]) Dropped() uint64 {
	return q.dropped.Load()
}
