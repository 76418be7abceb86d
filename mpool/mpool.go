// Package mpool implements a hierarchical arena allocator: the working
// memory context, each grouping set's own context, the hash-table
// context, and the output context are each a *Pool, related by
// parent/child links so that resetting a parent cascades into every
// child.
package mpool

import "sync/atomic"

// ResetCallback is registered via Pool.OnReset and fires every time the
// pool is reset, including when the reset is triggered by an ancestor
// cascading down.
type ResetCallback func()

// Pool is an arena: a named allocation scope that tracks its own byte
// usage and owns a list of children that must be reset/destroyed whenever
// it is.
type Pool struct {
	name     string
	parent   *Pool
	children []*Pool

	used      int64
	allocated int64

	callbacks []ResetCallback
}

// New creates a pool. A nil parent makes this a root pool (there is
// exactly one meaningful root per operator instance: the query's top-level
// memory context).
func New(name string, parent *Pool) *Pool {
	p := &Pool{name: name, parent: parent}
	if parent != nil {
		parent.children = append(parent.children, p)
	}
	return p
}

func (p *Pool) Name() string { return p.name }

// Alloc accounts for n freshly allocated bytes. The engine never actually
// needs mpool to hand back a byte slice (Go's GC owns real allocation); it
// only needs the accounting and reset semantics, so Alloc takes a size and
// returns nothing allocated -- callers make(...) themselves and report the
// size here purely for bookkeeping.
func (p *Pool) Alloc(n int) {
	atomic.AddInt64(&p.used, int64(n))
	atomic.AddInt64(&p.allocated, int64(n))
}

// Free reverses the accounting done by Alloc.
func (p *Pool) Free(n int) {
	atomic.AddInt64(&p.used, -int64(n))
}

// Used returns the pool's current live byte count (not including children).
func (p *Pool) Used() int64 { return atomic.LoadInt64(&p.used) }

// OnReset registers a callback that fires when Reset is called on this
// pool, whether directly or because an ancestor's Reset cascaded into it
// (cascaded resets call each descendant's own Reset, which fires its own
// callbacks).
func (p *Pool) OnReset(cb ResetCallback) {
	p.callbacks = append(p.callbacks, cb)
}

// Reset reclaims everything allocated under this pool and recurses into
// every child, firing each pool's registered callbacks in the process.
// Arenas form a tree; resetting a parent cascades.
func (p *Pool) Reset() {
	for _, c := range p.children {
		c.Reset()
	}
	for _, cb := range p.callbacks {
		cb()
	}
	atomic.StoreInt64(&p.used, 0)
}

// Delete detaches p from its parent and resets it. Used for a per-phase
// context once that phase is permanently done and its memory can be
// reclaimed early.
func (p *Pool) Delete() {
	p.Reset()
	if p.parent != nil {
		for i, c := range p.parent.children {
			if c == p {
				p.parent.children = append(p.parent.children[:i], p.parent.children[i+1:]...)
				break
			}
		}
	}
}

// NewChild is sugar for New(name, p).
func (p *Pool) NewChild(name string) *Pool {
	return New(name, p)
}
