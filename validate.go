package olctree

import (
	"bytes"
	"fmt"
	"sort"
)

// Validate walks the whole tree structure under Exclusive locks and
// checks fence containment (a node's records all fall within
// [lowerFence, upperFence)), strictly ascending keys within each node
// (a HashLeaf's records are compared in key order, not slot order),
// separator/child consistency, and that every leaf is reachable and well
// tagged. It does not check heap byte accounting, that heads match their
// keys, or that hints match the sampled heads. It is meant for tests and offline
// diagnostics, not the hot path — grounded on
// ryogrid-bltree-go-for-embedding's stubbed `ValidatePage` debug hook,
// given a real recursive implementation here.
func (t *Tree) Validate() error {
	metaG := t.alloc.AcquireExclusive(t.meta)
	defer metaG.Release()
	if pageTag(metaG.Page()) != tagMetadata {
		return fmt.Errorf("olctree: metadata page has wrong tag %d", pageTag(metaG.Page()))
	}
	root := metaRoot(metaG.Page())
	return t.validateSubtree(root, nil, nil)
}

// validateSubtree checks the node at id (and everything beneath it),
// asserting its own fences equal [lower, upper) and that every key it
// holds/delegates falls within that range.
func (t *Tree) validateSubtree(id PageID, lower, upper []byte) error {
	g := t.alloc.AcquireExclusive(id)
	defer g.Release()
	p := g.Page()

	if !bytes.Equal(lowerFence(p), lower) {
		return fmt.Errorf("olctree: page %d lower fence %v, want %v", id, lowerFence(p), lower)
	}
	if !bytes.Equal(upperFence(p), upper) {
		return fmt.Errorf("olctree: page %d upper fence %v, want %v", id, upperFence(p), upper)
	}

	switch pageTag(p) {
	case tagBasicLeaf, tagHashLeaf:
		return t.validateLeafOrder(p, id)
	case tagBasicInner:
		return t.validateInner(p, id, lower, upper)
	default:
		return fmt.Errorf("olctree: page %d has unexpected tag %d", id, pageTag(p))
	}
}

func (t *Tree) validateLeafOrder(p *Page, id PageID) error {
	pairs := extractLeafPairs(p)
	if pageTag(p) == tagHashLeaf {
		sort.Slice(pairs, func(i, j int) bool { return bytes.Compare(pairs[i].key, pairs[j].key) < 0 })
	}
	for i := 1; i < len(pairs); i++ {
		if bytes.Compare(pairs[i-1].key, pairs[i].key) >= 0 {
			return fmt.Errorf("olctree: leaf %d keys out of order at %d", id, i)
		}
	}
	for _, kv := range pairs {
		if len(lowerFence(p)) > 0 && bytes.Compare(kv.key, lowerFence(p)) < 0 {
			return fmt.Errorf("olctree: leaf %d key %v below lower fence", id, kv.key)
		}
		if len(upperFence(p)) > 0 && bytes.Compare(kv.key, upperFence(p)) >= 0 {
			return fmt.Errorf("olctree: leaf %d key %v at/above upper fence", id, kv.key)
		}
	}
	return nil
}

func (t *Tree) validateInner(p *Page, id PageID, lower, upper []byte) error {
	count := nodeCount(p)
	pre := prefix(p)

	var prevSep []byte
	lo := append([]byte{}, lower...)
	for i := 0; i < count; i++ {
		off := int(slotAt(p, i))
		sep := append(append([]byte{}, pre...), recordKeyTail(p, true, off)...)
		if prevSep != nil && bytes.Compare(prevSep, sep) >= 0 {
			return fmt.Errorf("olctree: inner %d separators out of order at %d", id, i)
		}
		prevSep = sep

		var child PageID
		if i == 0 {
			child = lowerChild(p)
		} else {
			prevOff := int(slotAt(p, i-1))
			child = recordChild(p, prevOff)
		}
		if err := t.validateSubtree(child, lo, sep); err != nil {
			return err
		}
		lo = sep
	}
	lastChild := lowerChild(p)
	if count > 0 {
		lastChild = recordChild(p, int(slotAt(p, count-1)))
	}
	return t.validateSubtree(lastChild, lo, upper)
}
