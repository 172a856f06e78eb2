package olctree

import (
	"sync"
	"sync/atomic"
)

// Page is a fixed-size, 8-byte aligned block of memory guarded by a
// seqLock. Its contents are interpreted by header.go/basicnode.go/
// hashleaf.go according to the tag stored in the first byte.
type Page struct {
	lock seqLock
	buf  [PageSize]byte
}

// Mode names the discipline under which a Guard holds its page.
type Mode uint8

const (
	// Optimistic holds no real lock; reads are racy and must be
	// validated before any externally visible effect depends on them.
	Optimistic Mode = iota
	Shared
	Exclusive
)

// Guard is a typed handle on a Page acquired under a specific Mode. All
// node operations take a *Guard rather than a raw *Page so that the mode
// travels with the pointer and Validate/Upgrade/Downgrade have somewhere
// to keep the recorded version.
type Guard struct {
	alloc   *Allocator
	id      PageID
	page    *Page
	mode    Mode
	version uint64
}

// ID returns the PageID this guard was acquired for.
func (g *Guard) ID() PageID { return g.id }

// Page returns the raw page bytes. Under Optimistic mode, callers must
// call Validate after reading before trusting what they read.
func (g *Guard) Page() *Page { return g.page }

// Mode reports the guard's current acquisition mode.
func (g *Guard) Mode() Mode { return g.mode }

// Validate re-checks an Optimistic guard's recorded version against the
// page's current lock word. A no-op (always nil) for Shared/Exclusive
// guards, which hold a real lock and cannot observe a concurrent
// mutation.
func (g *Guard) Validate() error {
	if g.mode != Optimistic {
		return nil
	}
	return g.page.lock.validate(g.version)
}

// Upgrade attempts to move an Optimistic guard directly to Exclusive via
// compare-and-swap. On success, the guard's mode becomes Exclusive and
// the caller owns the page for mutation. On failure the guard is left
// Optimistic and stale; the caller must abandon its traversal and retry.
func (g *Guard) Upgrade() error {
	if g.mode == Exclusive {
		return nil
	}
	if g.mode != Optimistic {
		panic("olctree: Upgrade requires an Optimistic or Exclusive guard")
	}
	if err := g.page.lock.upgrade(g.version); err != nil {
		return err
	}
	g.mode = Exclusive
	return nil
}

// Downgrade releases an Exclusive guard's lock and turns it back into an
// Optimistic guard observing the post-release version. Use this when a
// writer wants to keep traversing without holding the page exclusively.
func (g *Guard) Downgrade() {
	if g.mode != Exclusive {
		panic("olctree: Downgrade requires an Exclusive guard")
	}
	g.version = g.page.lock.releaseExclusive()
	g.mode = Optimistic
}

// Release lets go of whatever lock this guard holds. Optimistic guards
// need no release; Shared/Exclusive guards release their real lock.
func (g *Guard) Release() {
	switch g.mode {
	case Shared:
		g.page.lock.releaseShared()
	case Exclusive:
		g.page.lock.releaseExclusive()
	}
	g.mode = Optimistic
}

// Allocator owns a fixed-capacity pool of pages and hands out PageIDs.
// Spec.md prefers one allocator per Tree instance to simplify teardown;
// this repository follows that and gives every Tree its own Allocator.
type Allocator struct {
	pages []Page

	next atomic.Uint32

	freeMu   sync.Mutex
	freeList []PageID
}

// NewAllocator creates an Allocator with a fixed capacity of pages. The
// capacity bounds the number of live pages the tree it backs can ever
// hold; exhausting it panics with ErrOutOfPages.
func NewAllocator(capacity int) *Allocator {
	if capacity <= 0 {
		panic("olctree: allocator capacity must be positive")
	}
	return &Allocator{pages: make([]Page, capacity)}
}

// Alloc returns an exclusively-locked, zeroed page and its PageID. The
// free list is consulted first; otherwise the pool's bump counter hands
// out the next unused slot. Panics with ErrOutOfPages when both are
// exhausted.
func (a *Allocator) Alloc() *Guard {
	a.freeMu.Lock()
	if n := len(a.freeList); n > 0 {
		id := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		a.freeMu.Unlock()
		p := &a.pages[id]
		for i := range p.buf {
			p.buf[i] = 0
		}
		v := p.lock.forceAcquireExclusive()
		return &Guard{alloc: a, id: id, page: p, mode: Exclusive, version: v}
	}
	a.freeMu.Unlock()

	idx := a.next.Add(1) - 1
	if int(idx) >= len(a.pages) {
		panic(ErrOutOfPages)
	}
	p := &a.pages[idx]
	v := p.lock.forceAcquireExclusive()
	return &Guard{alloc: a, id: PageID(idx), page: p, mode: Exclusive, version: v}
}

// Free pushes g's page back onto the free list and releases its
// exclusive lock. g must currently hold Exclusive.
func (a *Allocator) Free(g *Guard) {
	if g.mode != Exclusive {
		panic("olctree: Free requires an Exclusive guard")
	}
	id := g.id
	g.Release()
	a.freeMu.Lock()
	a.freeList = append(a.freeList, id)
	a.freeMu.Unlock()
}

// Abandon frees a page allocated earlier in the same operation that must
// not survive a later failure in that operation (e.g. a sibling
// allocated for a split whose parent then turned out to be full too).
// Grounded on original_source's UncommittedPageId rollback-on-drop
// pattern, translated into an explicit call since Go has no destructors.
func (a *Allocator) Abandon(g *Guard) { a.Free(g) }

// AcquireOptimistic acquires id in Optimistic mode.
func (a *Allocator) AcquireOptimistic(id PageID) *Guard {
	p := &a.pages[id]
	v := p.lock.acquireOptimistic()
	return &Guard{alloc: a, id: id, page: p, mode: Optimistic, version: v}
}

// AcquireShared acquires id in Shared mode, spinning until available.
func (a *Allocator) AcquireShared(id PageID) *Guard {
	p := &a.pages[id]
	v := p.lock.acquireShared()
	return &Guard{alloc: a, id: id, page: p, mode: Shared, version: v}
}

// AcquireExclusive acquires id in Exclusive mode, spinning until
// available.
func (a *Allocator) AcquireExclusive(id PageID) *Guard {
	p := &a.pages[id]
	v := p.lock.acquireExclusive()
	return &Guard{alloc: a, id: id, page: p, mode: Exclusive, version: v}
}
