package olctree

import "math/rand"

// Adaptive promotion policy (spec.md section 4.6). Each leaf carries a
// bounded, saturating scan_counter. Point operations nudge it down,
// scan visits nudge it up; when a leaf is already held Exclusive for a
// point op and its counter has bottomed out as a BasicLeaf, or topped
// out as a HashLeaf, a promotion/demotion is attempted. Promotion is
// advisory: on failure the node is left as-is and the caller proceeds
// unchanged, per spec.md's explicit "retry later" contract.
//
// Thresholds (an open question the spec leaves to the implementer,
// resolved here and recorded in DESIGN.md): scan_counter ranges 0..32;
// point ops decrement with ~5% probability, scan visits increment with
// ~15% probability; BasicLeaf promotes to HashLeaf at counter==0,
// HashLeaf demotes back to BasicLeaf at counter>=32.
const (
	maxScanCounter      = 32
	promoteResetCounter = maxScanCounter / 2
	pointOpDecayPct     = 5
	scanVisitGrowPct    = 15
)

// noteLeafPointOp applies the point-operation scan_counter decay. Insert
// and Remove call it on the leaf they hold Exclusive; Lookup does not.
func noteLeafPointOp(p *Page) {
	if scanCounter(p) > 0 && rand.Intn(100) < pointOpDecayPct {
		setScanCounter(p, scanCounter(p)-1)
	}
}

// noteLeafScanVisit applies the scan-visit scan_counter growth. Call
// once per leaf visited during a range scan.
func noteLeafScanVisit(p *Page) {
	if c := scanCounter(p); c < maxScanCounter && rand.Intn(100) < scanVisitGrowPct {
		setScanCounter(p, c+1)
	}
}

// maybePromoteLeaf attempts a promotion/demotion of g's leaf (held
// Exclusive) if its scan_counter has reached the relevant threshold.
// Always safe to call; a non-qualifying or infeasible attempt is a
// silent no-op.
func maybePromoteLeaf(g *Guard) {
	p := g.Page()
	switch pageTag(p) {
	case tagBasicLeaf:
		if scanCounter(p) == 0 {
			_ = convertLeaf(g, tagHashLeaf)
		}
	case tagHashLeaf:
		if scanCounter(p) >= maxScanCounter {
			_ = convertLeaf(g, tagBasicLeaf)
		}
	}
}

type leafPair struct{ key, val []byte }

// extractLeafPairs reads every (key, value) pair out of a BasicLeaf or
// HashLeaf page, re-expanding the stored prefix, in slot order.
func extractLeafPairs(p *Page) []leafPair {
	pre := prefix(p)
	count := nodeCount(p)
	out := make([]leafPair, count)
	hash := pageTag(p) == tagHashLeaf
	for i := 0; i < count; i++ {
		var off int
		if hash {
			off = int(hashSlotAt(p, i))
		} else {
			off = int(slotAt(p, i))
		}
		tail := recordKeyTail(p, false, off)
		val := recordValue(p, off)
		key := make([]byte, 0, len(pre)+len(tail))
		key = append(key, pre...)
		key = append(key, tail...)
		out[i] = leafPair{key: key, val: append([]byte{}, val...)}
	}
	return out
}

// convertLeaf rebuilds g's leaf page under newTag, preserving its
// (key, value) multiset and fences. It builds into a scratch page first
// and only commits if every record fits, so a failed conversion leaves
// the original page byte-for-byte untouched (errPromoteFailed).
func convertLeaf(g *Guard, newTag byte) error {
	p := g.Page()
	if pageTag(p) == newTag {
		return nil
	}
	lf := append([]byte{}, lowerFence(p)...)
	uf := append([]byte{}, upperFence(p)...)
	pairs := extractLeafPairs(p)

	var scratch Page
	sg := &Guard{page: &scratch, mode: Exclusive}

	switch newTag {
	case tagHashLeaf:
		initHashLeaf(sg, lf, uf)
		for _, kv := range pairs {
			if _, err := insertHashLeaf(sg, kv.key, kv.val); err != nil {
				return errPromoteFailed
			}
		}
	case tagBasicLeaf:
		initBasicLeaf(sg, lf, uf)
		for _, kv := range pairs {
			if _, err := insertLeaf(sg, kv.key, kv.val); err != nil {
				return errPromoteFailed
			}
		}
	default:
		return errPromoteFailed
	}

	p.buf = scratch.buf
	setScanCounter(p, promoteResetCounter)
	return nil
}
