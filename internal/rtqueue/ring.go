package rtqueue

import (
	"sync/atomic"
)

type cell[T any] struct {
	seq atomic.Uint64
	val T
}

// Ring is a bounded multi-producer multi-consumer queue that never blocks
// and never allocates after construction. Slots carry a sequence number so
// producers and consumers can claim them with a single CAS.
type Ring[T any] struct {
	mask  uint64
	cells []cell[T]
	_     [56]byte
	enq   atomic.Uint64
	_     [56]byte
	deq   atomic.Uint64
}

// NewRing returns a ring whose capacity is size rounded up to a power of two.
func NewRing[T any](size int) *Ring[T] {
	n := uint64(2)
	for n < uint64(size) {
		n <<= 1
	}
	r := &Ring[T]{mask: n - 1, cells: make([]cell[T], n)}
	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}
	return r
}

func (r *Ring[T]) Cap() int {
	return len(r.cells)
}

// Push reports false when the ring is full.
func (r *Ring[T]) Push(v T) bool {
	pos := r.enq.Load()
	for {
		c := &r.cells[pos&r.mask]
		dif := int64(c.seq.Load()) - int64(pos)
		switch {
		case dif == 0:
			if r.enq.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = r.enq.Load()
		case dif < 0:
			return false
		default:
			pos = r.enq.Load()
		}
	}
}

// Pop reports false when the ring is empty or the oldest slot is still being
// written.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	pos := r.deq.Load()
	for {
		c := &r.cells[pos&r.mask]
		dif := int64(c.seq.Load()) - int64(pos+1)
		switch {
		case dif == 0:
			if r.deq.CompareAndSwap(pos, pos+1) {
				v := c.val
				c.val = zero
				c.seq.Store(pos + r.mask + 1)
				return v, true
			}
			pos = r.deq.Load()
		case dif < 0:
			return zero, false
		default:
			pos = r.deq.Load()
		}
	}
}
