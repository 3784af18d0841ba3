// Package block implements the fixed-size KV block pool: a stack-structured
// free list over a pre-sized arena of block ids, allocating and reclaiming
// in O(1). Mirrors the free-list bookkeeping in the teacher's
// sim/kvcache.go (KVCacheState's FreeHead/FreeTail linked list), generalized
// into a standalone allocator that owns no tensor storage of its own — the
// tensor-shaped region is the ModelRuntime's concern (see internal/runtimeadapter).
package block

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "block")

// ID is a stable index into the pool. An id is live iff exactly one
// sequence references it or it sits in the free list.
type ID int64

const invalidID ID = -1

// node is the free-list linkage for one pool slot. Kept separate from any
// payload: the allocator is opaque to what a block stores.
type node struct {
	prev, next ID
	free       bool
}

// Allocator owns a pool of N_BLOCKS ids and a stack-structured free list.
// Safe for concurrent use; the spec's shared-resource model (§5) only
// requires exclusive-mutation under a single mutex because in practice only
// the worker goroutine mutates it, but the mutex makes that a guarantee
// rather than an assumption.
type Allocator struct {
	mu    sync.Mutex
	nodes []node
	head  ID // top of the free stack
	free  int
}

// NewAllocator creates a pool of n blocks, all initially free.
func NewAllocator(n int) *Allocator {
	a := &Allocator{
		nodes: make([]node, n),
		head:  invalidID,
		free:  n,
	}
	// Build the free stack tail-to-head so Alloc() returns ascending ids
	// first, matching the teacher's append-to-tail / pop-from-head FIFO
	// free list behavior for a freshly initialized pool.
	for i := n - 1; i >= 0; i-- {
		a.push(ID(i))
	}
	return a
}

// push links id onto the top of the free stack. Caller must hold mu.
func (a *Allocator) push(id ID) {
	a.nodes[id] = node{prev: invalidID, next: a.head, free: true}
	if a.head != invalidID {
		n := a.nodes[a.head]
		n.prev = id
		a.nodes[a.head] = n
	}
	a.head = id
}

// pop removes and returns the top of the free stack. Caller must hold mu.
// Returns (0, false) if empty.
func (a *Allocator) pop() (ID, bool) {
	if a.head == invalidID {
		return 0, false
	}
	id := a.head
	n := a.nodes[id]
	a.head = n.next
	if a.head != invalidID {
		next := a.nodes[a.head]
		next.prev = invalidID
		a.nodes[a.head] = next
	}
	a.nodes[id] = node{prev: invalidID, next: invalidID, free: false}
	return id, true
}

// Alloc reserves one block from the free list. Reports OutOfBlocks by
// returning ok=false when the pool is exhausted; never blocks.
func (a *Allocator) Alloc() (ID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.pop()
	if !ok {
		return 0, false
	}
	a.free--
	return id, true
}

// Free returns a block to the pool. Double-free is a fatal programmer
// error: it would mean two live sequences could later both observe the
// same id as allocated, violating the "no two live sequences share a
// block id" invariant (§3), so it panics rather than silently corrupting
// the free list — the same fail-fast posture the teacher takes for
// invariant violations (e.g. sim/cluster/simulator.go's causality checks).
func (a *Allocator) Free(id ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < 0 || int(id) >= len(a.nodes) {
		panic("block: Free called with out-of-range id")
	}
	if a.nodes[id].free {
		panic("block: double-free of block id")
	}
	a.push(id)
	a.free++
	log.WithField("id", id).Trace("block freed")
}

// FreeCount reports the number of blocks currently available for Alloc.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free
}

// TotalCount reports the pool's fixed capacity, N_BLOCKS.
func (a *Allocator) TotalCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}
