package olctree

import (
	"bytes"
	"errors"
)

// Tree is a concurrent in-memory B+Tree using optimistic lock coupling
// (spec.md section 2). The zero value is not usable; construct one with
// NewTree. A Tree owns exactly one Allocator (spec.md's stated
// preference) and the metadata page holding the current root pointer.
//
// Grounded on original_source/btree/src/tree.rs's Tree::new/try_insert
// traversal shape: lock meta Optimistic, read the root id, validate,
// lock the root Optimistic, descend while tag==inner, track the parent
// for the upgrade-on-full case, and retry the whole operation on any
// validation failure rather than unwinding through panic/recover.
type Tree struct {
	alloc *Allocator
	meta  PageID
}

// NewTree creates an empty Tree backed by a fresh Allocator with the
// given page capacity.
func NewTree(capacity int) *Tree {
	alloc := NewAllocator(capacity)
	rootG := alloc.Alloc()
	initBasicLeaf(rootG, nil, nil)
	rootID := rootG.ID()
	rootG.Release()

	metaG := alloc.Alloc()
	initMetadata(metaG, rootID)
	metaID := metaG.ID()
	metaG.Release()

	return &Tree{alloc: alloc, meta: metaID}
}

func checkKey(key []byte) {
	if len(key) > MaxKeySize {
		panic(ErrKeyTooLarge)
	}
}

func checkKeyVal(key, val []byte) {
	checkKey(key)
	if len(val) > MaxValSize {
		panic(ErrValueTooLarge)
	}
}

// retry re-invokes f until it returns a nil error or an error other than
// errOptimistic, which it propagates by panicking — every non-retry
// error in this package (ErrOutOfPages excepted, which panics on its
// own) represents a fatal contract violation rather than a recoverable
// race.
func retry[T any](f func() (T, error)) T {
	for {
		v, err := callOptimistic(f)
		if err == nil {
			return v
		}
		if errors.Is(err, errOptimistic) {
			continue
		}
		panic(err)
	}
}

// callOptimistic runs f, converting an optimisticPanic (rangeCheck,
// header.go) raised by a torn, page-derived offset or length into
// errOptimistic, the same outcome as a failed Guard.Validate — this is
// the catch point for the bounds checks described in DESIGN.md's
// "Bounds-checked optimistic reads" note. Any other panic is a genuine
// bug, not a torn read, and propagates unchanged.
func callOptimistic[T any](f func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(optimisticPanic); ok {
				err = errOptimistic
				return
			}
			panic(r)
		}
	}()
	return f()
}

func leafLookup(p *Page, key []byte) ([]byte, bool, error) {
	if pageTag(p) == tagHashLeaf {
		return lookupHashLeaf(p, key)
	}
	return lookupLeaf(p, key)
}

func leafInsert(g *Guard, key, val []byte) (bool, error) {
	if pageTag(g.Page()) == tagHashLeaf {
		return insertHashLeaf(g, key, val)
	}
	return insertLeaf(g, key, val)
}

func leafRemove(g *Guard, key []byte) bool {
	if pageTag(g.Page()) == tagHashLeaf {
		return removeHashLeaf(g, key)
	}
	return removeLeaf(g, key)
}

// descend optimistically walks from the metadata page down to the leaf
// that would contain key, validating at each step. path[0] is always
// the metadata guard, path[1] the root, and path[len-1] the leaf; every
// guard in between is an inner node on the path to key. All guards are
// Optimistic; none hold a real lock, so there is nothing to release on
// an early return.
func (t *Tree) descend(key []byte) ([]*Guard, error) {
	path := make([]*Guard, 0, 8)

	metaG := t.alloc.AcquireOptimistic(t.meta)
	rootID := metaRoot(metaG.Page())
	if err := metaG.Validate(); err != nil {
		return nil, err
	}
	path = append(path, metaG)

	node := t.alloc.AcquireOptimistic(rootID)
	if err := metaG.Validate(); err != nil {
		return nil, err
	}
	path = append(path, node)

	for isInnerTag(pageTag(node.Page())) {
		childID, err := lookupInner(node.Page(), key, true)
		if err != nil {
			return nil, err
		}
		if err := node.Validate(); err != nil {
			return nil, err
		}
		child := t.alloc.AcquireOptimistic(childID)
		if err := node.Validate(); err != nil {
			return nil, err
		}
		path = append(path, child)
		node = child
	}
	return path, nil
}

// Lookup returns a copy of the value stored for key, if present.
func (t *Tree) Lookup(key []byte) ([]byte, bool) {
	checkKey(key)
	type result struct {
		val   []byte
		found bool
	}
	r := retry(func() (result, error) {
		path, err := t.descend(key)
		if err != nil {
			return result{}, err
		}
		leaf := path[len(path)-1]
		val, found, err := leafLookup(leaf.Page(), key)
		if err != nil {
			return result{}, err
		}
		var out []byte
		if found {
			out = append([]byte{}, val...)
		}
		if err := leaf.Validate(); err != nil {
			return result{}, err
		}
		return result{val: out, found: found}, nil
	})
	return r.val, r.found
}

// Insert inserts key/val, overwriting any existing value for key.
// Returns whether an existing record was replaced.
func (t *Tree) Insert(key, val []byte) bool {
	checkKeyVal(key, val)
	return retry(func() (bool, error) {
		path, err := t.descend(key)
		if err != nil {
			return false, err
		}
		leaf := path[len(path)-1]
		if err := leaf.Upgrade(); err != nil {
			return false, err
		}
		noteLeafPointOp(leaf.Page())
		replaced, err := leafInsert(leaf, key, val)
		if err == nil {
			maybePromoteLeaf(leaf)
			leaf.Release()
			return replaced, nil
		}
		if !errors.Is(err, errFull) {
			leaf.Release()
			return false, err
		}
		if serr := t.splitUpward(path, leaf); serr != nil {
			return false, serr
		}
		// The tree structure changed under us; re-descend and retry the
		// insert from scratch rather than trying to patch up in place.
		return false, errOptimistic
	})
}

// Remove deletes key, if present. Returns whether a record was removed.
// Unlike Insert, Remove never merges underfull siblings back together
// (spec.md section 4.3 notes merging is optional for correctness); a
// sparse tree after heavy deletion is expected and harmless.
func (t *Tree) Remove(key []byte) bool {
	checkKey(key)
	return retry(func() (bool, error) {
		path, err := t.descend(key)
		if err != nil {
			return false, err
		}
		leaf := path[len(path)-1]
		if err := leaf.Upgrade(); err != nil {
			return false, err
		}
		noteLeafPointOp(leaf.Page())
		removed := leafRemove(leaf, key)
		maybePromoteLeaf(leaf)
		leaf.Release()
		return removed, nil
	})
}

// splitUpward is invoked once a leaf insert has reported errFull, with
// path still describing the Optimistic ancestor chain down to that leaf
// (now held Exclusive). It delegates to splitNodeAndInsert, which never
// tears a node apart until its parent is known to have room for the
// resulting separator — see that function's comment for why.
func (t *Tree) splitUpward(path []*Guard, leaf *Guard) error {
	return t.splitNodeAndInsert(path, len(path)-1, leaf)
}

// splitNodeAndInsert splits node (held Exclusive, logically at
// path[idx]) and inserts the resulting separator into its parent,
// replacing the root with a fresh BasicInner if the split reaches the
// metadata page (spec.md section 4.5, step 2).
//
// Before touching node at all, it peeks the separator node's split
// would produce (peekSeparator, a pure computation) and confirms the
// parent has room for it (fitsInnerRecord). If the parent doesn't, the
// parent is split first by recursing on it — node is left completely
// untouched while that happens — and this call then releases node and
// signals errOptimistic so the caller's retry loop re-descends and
// re-attempts the original operation against the now-roomier tree.
// This guarantees a node's heap is only ever rewritten in place
// (splitBasicNode) once somewhere to durably hold its separator is
// already confirmed to exist, so a split can never discard the
// right-hand half it produces. Grounded on
// original_source/umolc_btree/src/tree.rs's split_and_insert, which
// never tears the original node apart speculatively: on a full parent it
// recurses to split the parent first, then retries the original insert
// from scratch.
//
// All guards it touches are released before it returns, on every path.
func (t *Tree) splitNodeAndInsert(path []*Guard, idx int, node *Guard) error {
	if idx == 0 {
		node.Release()
		panic("olctree: split propagation reached past the metadata page")
	}
	parentGuard := path[idx-1]
	if err := parentGuard.Upgrade(); err != nil {
		node.Release()
		return err
	}

	if parentGuard.ID() == t.meta {
		newInner := t.alloc.Alloc()
		initBasicInner(newInner, nil, nil, node.ID())
		setMetaRoot(parentGuard.Page(), newInner.ID())
		parentGuard.Release()
		parentGuard = newInner
	}

	if pageTag(node.Page()) == tagHashLeaf {
		sortHashLeaf(node)
	}
	sep := peekSeparator(node.Page())
	if !fitsInnerRecord(parentGuard.Page(), sep) {
		if err := t.splitNodeAndInsert(path, idx-1, parentGuard); err != nil {
			node.Release()
			return err
		}
		node.Release()
		return errOptimistic
	}

	sibling := t.alloc.Alloc()
	actualSep := splitBasicNode(node, sibling)
	node.Release()
	if err := insertInner(parentGuard, actualSep, sibling.ID()); err != nil {
		// fitsInnerRecord just confirmed room for this exact separator
		// length against this exact parent; a failure here means the
		// space accounting between the two is inconsistent.
		panic("olctree: insertInner failed after room was confirmed")
	}
	sibling.Release()
	parentGuard.Release()
	return nil
}

// Scan visits every (key, value) pair with key >= lower in ascending
// order, calling cb for each. cb returning true stops the scan early.
// HashLeaf pages are sorted in place (requiring a brief Exclusive hold)
// before being visited; this repository trades a little scan
// concurrency on BasicLeaf pages too for the simplicity of always
// upgrading, rather than threading a separate Shared-mode leaf read
// path through the same logic.
func (t *Tree) Scan(lower []byte, cb func(key, val []byte) bool) {
	checkKey(lower)
	cur := append([]byte{}, lower...)
	for {
		done := retry(func() (bool, error) {
			path, err := t.descend(cur)
			if err != nil {
				return false, err
			}
			leaf := path[len(path)-1]
			if err := leaf.Upgrade(); err != nil {
				return false, err
			}
			p := leaf.Page()

			pl := prefixLen(p)
			if len(cur) < pl || !bytes.Equal(cur[:pl], prefix(p)) {
				leaf.Release()
				return false, errOptimistic
			}
			tail := cur[pl:]

			isHash := pageTag(p) == tagHashLeaf
			if isHash {
				sortHashLeaf(leaf)
			}
			noteLeafScanVisit(p)

			var start int
			if isHash {
				start = scanStartIndexHash(p, tail)
			} else {
				start = scanStartIndexBasic(p, tail)
			}

			pre := append([]byte{}, prefix(p)...)
			count := nodeCount(p)
			stop := false
			for i := start; i < count; i++ {
				var off int
				if isHash {
					off = int(hashSlotAt(p, i))
				} else {
					off = int(slotAt(p, i))
				}
				fullKey := append(append([]byte{}, pre...), recordKeyTail(p, false, off)...)
				valCopy := append([]byte{}, recordValue(p, off)...)
				if cb(fullKey, valCopy) {
					stop = true
					break
				}
			}
			next := append([]byte{}, upperFence(p)...)
			finished := len(next) == 0
			leaf.Release()

			if stop || finished {
				return true, nil
			}
			cur = next
			return false, nil
		})
		if done {
			return
		}
	}
}

// scanStartIndexBasic returns the index of the first BasicLeaf record
// whose key tail is >= tail.
func scanStartIndexBasic(p *Page, tail []byte) int {
	idx, _ := findSlot(p, tail)
	return idx
}

// scanStartIndexHash returns the index of the first record in an
// already-sorted HashLeaf whose key tail is >= tail.
func scanStartIndexHash(p *Page, tail []byte) int {
	lo, hi := 0, nodeCount(p)
	for lo < hi {
		mid := (lo + hi) / 2
		off := int(hashSlotAt(p, mid))
		if bytes.Compare(recordKeyTail(p, false, off), tail) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
