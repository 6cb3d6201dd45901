// Package connpool implements the slab-indexed connection pool described
// in spec.md §4.6: an O(1) get/release free list over a growable array,
// so consumers hold stable integer handles rather than pointers that
// would move if the backing array reallocated.
package connpool

import "fmt"

// Handle is an opaque, monotonically increasing index into a Pool.
type Handle int

const noFree = -1

// Pool is a slab pool of T, indexed by Handle, with an O(1) FIFO free
// list. The zero value is not usable (its free list is not marked empty);
// construct a Pool with New.
type Pool[T any] struct {
	entries []slot[T]
	head    int // index of the oldest free slot, or noFree
	tail    int // index of the newest free slot, or noFree
}

type slot[T any] struct {
	value T
	free  bool
	next  int // index of the next free slot, or noFree
}

// New creates an empty Pool.
func New[T any]() *Pool[T] {
	return &Pool[T]{head: noFree, tail: noFree}
}

// GetNew returns a handle to a fresh or recycled entry and a pointer to
// its zero-valued (or previously released) storage for the caller to
// populate.
func (p *Pool[T]) GetNew() (Handle, *T) {
	if p.head != noFree {
		idx := p.head
		s := &p.entries[idx]
		p.head = s.next
		if p.head == noFree {
			p.tail = noFree
		}
		s.free = false
		s.next = noFree
		var zero T
		s.value = zero
		return Handle(idx), &s.value
	}

	p.entries = append(p.entries, slot[T]{next: noFree})
	idx := len(p.entries) - 1
	return Handle(idx), &p.entries[idx].value
}

// Release returns handle's slot to the tail of the free list. Panics if
// the handle is invalid or already released (spec.md §7 fatal-class:
// "using a stale pool handle").
func (p *Pool[T]) Release(h Handle) {
	idx := int(h)
	if idx < 0 || idx >= len(p.entries) {
		panic(fmt.Sprintf("connpool: release of out-of-range handle %d", idx))
	}
	s := &p.entries[idx]
	if s.free {
		panic(fmt.Sprintf("connpool: double release of handle %d", idx))
	}
	s.free = true
	s.next = noFree
	if p.tail == noFree {
		p.head = idx
		p.tail = idx
		return
	}
	p.entries[p.tail].next = idx
	p.tail = idx
}

// Get returns a pointer to handle's entry. The caller must not retain
// the pointer across further pool operations, since GetNew may append
// and reallocate the backing slice.
func (p *Pool[T]) Get(h Handle) *T {
	idx := int(h)
	if idx < 0 || idx >= len(p.entries) || p.entries[idx].free {
		panic(fmt.Sprintf("connpool: access of stale or out-of-range handle %d", idx))
	}
	return &p.entries[idx].value
}

// Len returns the number of slots ever allocated, including released
// ones still sitting in the free list.
func (p *Pool[T]) Len() int { return len(p.entries) }
