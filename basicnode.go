package olctree

import (
	"bytes"
	"encoding/binary"
)

// initBasicLeaf (re)initializes g's page as an empty BasicLeaf with the
// given lower (inclusive) and upper (exclusive, empty==+inf) fences.
// Must be called on a page the caller holds Exclusive, either freshly
// allocated or about to be overwritten by a split/merge/promotion.
func initBasicLeaf(g *Guard, lower, upper []byte) {
	p := g.Page()
	setPageTag(p, tagBasicLeaf)
	setNodeCount(p, 0)
	setScanCounter(p, 0)
	writeFences(p, lower, upper)
	refreshHints(p)
}

// initBasicInner (re)initializes g's page as an empty BasicInner with the
// given fences and lower (leftmost) child.
func initBasicInner(g *Guard, lower, upper []byte, lowerChildID PageID) {
	p := g.Page()
	setPageTag(p, tagBasicInner)
	setNodeCount(p, 0)
	setScanCounter(p, 0)
	writeFences(p, lower, upper)
	setLowerChild(p, lowerChildID)
	refreshHints(p)
}

// findSlot locates the position of the (already prefix-truncated) key
// tail within p, implementing the four-stage search of spec.md section
// 4.3: hint bracketing, heads binary search, equal-head run isolation,
// and a final tail compare. Returns the insertion index (or the index
// of the exact match) and whether an exact match was found.
func findSlot(p *Page, tail []byte) (idx int, found bool) {
	inner := isInnerTag(pageTag(p))
	count := nodeCount(p)
	h := keyHead(tail)

	lo, hi := 0, count
	if count >= minHintCount {
		spacing := count / hintCount
		if spacing == 0 {
			spacing = 1
		}
		hlo, hhi := 0, hintCount
		for hlo < hhi {
			mid := (hlo + hhi) / 2
			if hintAt(p, inner, mid) < h {
				hlo = mid + 1
			} else {
				hhi = mid
			}
		}
		lo = hlo * spacing
		if hlo < hintCount {
			hi = (hlo + 1) * spacing
		}
		if hi > count {
			hi = count
		}
		if lo > count {
			lo = count
		}
	}

	// binary search heads[lo:hi] for the first index whose head is >= h
	l, r := lo, hi
	for l < r {
		mid := (l + r) / 2
		if headAt(p, mid) < h {
			l = mid + 1
		} else {
			r = mid
		}
	}
	// the equal-head run may extend outside [lo,hi) if the hint bracket
	// was too tight; widen defensively to the full array for the tail
	// comparison pass — heads are globally non-decreasing so this never
	// misses a match while staying correct.
	for l > 0 && headAt(p, l-1) == h {
		l--
	}
	r = l
	for r < count && headAt(p, r) == h {
		r++
	}

	lo2, hi2 := l, r
	for lo2 < hi2 {
		mid := (lo2 + hi2) / 2
		if bytes.Compare(recordKeyTail(p, inner, int(slotAt(p, mid))), tail) < 0 {
			lo2 = mid + 1
		} else {
			hi2 = mid
		}
	}
	if lo2 < count && bytes.Equal(recordKeyTail(p, inner, int(slotAt(p, lo2))), tail) {
		return lo2, true
	}
	return lo2, false
}

// freeSpace returns the number of bytes available for one additional
// record (and its heads/slots entries) without compaction.
func freeSpace(p *Page) int {
	inner := isInnerTag(pageTag(p))
	count := nodeCount(p)
	used := slotsOffsetN(inner, count+1) + 2*(count+1)
	return heapBump(p) - used
}

// liveHeapBytes returns the number of heap bytes currently occupied by
// live (non-garbage) records.
func liveHeapBytes(p *Page) int {
	return (fencesOffset(p) - heapBump(p)) - heapFreed(p)
}

// spaceAfterCompaction returns the number of heap bytes that would be
// free for new records if the node were compacted right now, assuming
// extraSlots additional heads/slots entries will also be needed (0 for
// an in-place overwrite, 1 for a fresh insert).
func spaceAfterCompaction(p *Page, extraSlots int) int {
	inner := isInnerTag(pageTag(p))
	newCount := nodeCount(p) + extraSlots
	used := slotsOffsetN(inner, newCount) + 2*newCount
	return fencesOffset(p) - used - liveHeapBytes(p)
}

// shiftForInsert grows the heads/slots arrays by one entry, opening a
// gap at logical index idx, and bumps the stored count. Must be called
// before writing the new head/slot/record.
func shiftForInsert(p *Page, idx int) {
	inner := isInnerTag(pageTag(p))
	oldCount := nodeCount(p)
	newCount := oldCount + 1

	oldSlotsOff := slotsOffsetN(inner, oldCount)
	newSlotsOff := slotsOffsetN(inner, newCount)
	copy(p.buf[newSlotsOff:newSlotsOff+oldCount*2], p.buf[oldSlotsOff:oldSlotsOff+oldCount*2])

	for i := oldCount; i > idx; i-- {
		setSlotAtN(p, inner, newCount, i, slotAtN(p, inner, newCount, i-1))
	}
	for i := oldCount; i > idx; i-- {
		setHeadAtN(p, inner, i, headAtN(p, inner, i-1))
	}
	setNodeCount(p, newCount)
}

// shiftForRemove closes the gap at logical index idx in the heads/slots
// arrays and shrinks the stored count. Must be called after the
// record's heap bytes have been accounted into heap_freed.
func shiftForRemove(p *Page, idx int) {
	inner := isInnerTag(pageTag(p))
	oldCount := nodeCount(p)
	newCount := oldCount - 1

	for i := idx; i < newCount; i++ {
		setHeadAtN(p, inner, i, headAtN(p, inner, i+1))
	}
	for i := idx; i < newCount; i++ {
		setSlotAtN(p, inner, oldCount, i, slotAtN(p, inner, oldCount, i+1))
	}
	oldSlotsOff := slotsOffsetN(inner, oldCount)
	newSlotsOff := slotsOffsetN(inner, newCount)
	copy(p.buf[newSlotsOff:newSlotsOff+newCount*2], p.buf[oldSlotsOff:oldSlotsOff+newCount*2])

	setNodeCount(p, newCount)
}

// heapWriteLeaf writes a new leaf record (key tail + value) at the
// current heap_bump, bumping it down, and returns the record's heap
// offset.
func heapWriteLeaf(p *Page, tail, val []byte) int {
	size := leafRecordSize(len(tail), len(val))
	off := heapBump(p) - size
	setHeapBump(p, off)
	binary.LittleEndian.PutUint16(p.buf[off:], uint16(len(tail)))
	binary.LittleEndian.PutUint16(p.buf[off+2:], uint16(len(val)))
	copy(p.buf[off+4:], tail)
	copy(p.buf[off+4+len(tail):], val)
	return off
}

// heapWriteInner writes a new inner record (key tail + child pointer) at
// the current heap_bump and returns its heap offset.
func heapWriteInner(p *Page, tail []byte, child PageID) int {
	size := innerRecordSize(len(tail))
	off := heapBump(p) - size
	setHeapBump(p, off)
	binary.LittleEndian.PutUint16(p.buf[off:], uint16(len(tail)))
	putPageID(p.buf[off+2:off+2+pageIDEncodedSize], child)
	copy(p.buf[off+8:], tail)
	return off
}

// insertLeaf inserts or replaces (key, val) into a BasicLeaf held
// Exclusive. Returns replaced=true if an existing record was
// overwritten. Returns errFull if there is no room even after a single
// compaction attempt.
func insertLeaf(g *Guard, key, val []byte) (replaced bool, err error) {
	p := g.Page()
	pl := prefixLen(p)
	if len(key) < pl || !bytes.Equal(key[:pl], prefix(p)) {
		return false, errOptimistic
	}
	tail := key[pl:]
	idx, found := findSlot(p, tail)

	if found {
		off := int(slotAt(p, idx))
		oldSize := recordSizeAt(p, false, idx)
		newSize := leafRecordSize(len(tail), len(val))
		if newSize <= oldSize {
			// overwrite in place (accounting the slack as freed garbage
			// only if the new record is strictly smaller).
			setHeapFreed(p, heapFreed(p)+ (oldSize - newSize))
			binary.LittleEndian.PutUint16(p.buf[off:], uint16(len(tail)))
			binary.LittleEndian.PutUint16(p.buf[off+2:], uint16(len(val)))
			copy(p.buf[off+4:], tail)
			copy(p.buf[off+4+len(tail):], val)
			return true, nil
		}
		if freeSpace(p) < newSize {
			if spaceAfterCompaction(p, 0) < newSize {
				return false, errFull
			}
			compactify(g)
			if freeSpace(p) < newSize {
				return false, errFull
			}
		}
		setHeapFreed(p, heapFreed(p)+oldSize)
		newOff := heapWriteLeaf(p, tail, val)
		setSlotAtN(p, false, nodeCount(p), idx, uint16(newOff))
		return true, nil
	}

	newSize := leafRecordSize(len(tail), len(val))
	if freeSpace(p) < newSize {
		if spaceAfterCompaction(p, 1) < newSize {
			return false, errFull
		}
		compactify(g)
		if freeSpace(p) < newSize {
			return false, errFull
		}
	}
	off := heapWriteLeaf(p, tail, val)
	shiftForInsert(p, idx)
	setHeadAtN(p, false, idx, keyHead(tail))
	setSlotAtN(p, false, nodeCount(p), idx, uint16(off))
	refreshHints(p)
	return false, nil
}

// removeLeaf removes key from a BasicLeaf held Exclusive. Returns
// whether a record was actually removed.
func removeLeaf(g *Guard, key []byte) bool {
	p := g.Page()
	pl := prefixLen(p)
	if len(key) < pl || !bytes.Equal(key[:pl], prefix(p)) {
		return false
	}
	tail := key[pl:]
	idx, found := findSlot(p, tail)
	if !found {
		return false
	}
	size := recordSizeAt(p, false, idx)
	setHeapFreed(p, heapFreed(p)+size)
	shiftForRemove(p, idx)
	refreshHints(p)
	return true
}

// lookupLeaf returns the stored value for key, or found=false. The
// returned slice aliases the page's heap and is only valid while the
// caller's guard remains valid (Optimistic: re-Validate before use;
// Shared/Exclusive: valid until Release).
func lookupLeaf(p *Page, key []byte) (val []byte, found bool, err error) {
	pl := prefixLen(p)
	if len(key) < pl || !bytes.Equal(key[:pl], prefix(p)) {
		return nil, false, errOptimistic
	}
	tail := key[pl:]
	idx, ok := findSlot(p, tail)
	if !ok {
		return nil, false, nil
	}
	off := int(slotAt(p, idx))
	return recordValue(p, off), true, nil
}

// lookupInner resolves the child pointer to follow for key. When
// highOnEqual is true (the tree's normal descent mode) and the key
// equals a separator exactly, the child strictly to its right is
// chosen, matching the inclusive-lower/exclusive-upper fence
// convention: a separator value belongs to the right child's range.
func lookupInner(p *Page, key []byte, highOnEqual bool) (PageID, error) {
	pl := prefixLen(p)
	if len(key) < pl || !bytes.Equal(key[:pl], prefix(p)) {
		return 0, errOptimistic
	}
	tail := key[pl:]
	idx, found := findSlot(p, tail)
	if found && highOnEqual {
		idx++
	}
	return indexChild(p, idx), nil
}

// indexChild returns the child pointer for logical position idx: the
// lower child when idx==0, otherwise the child stored in record idx-1.
func indexChild(p *Page, idx int) PageID {
	if idx == 0 {
		return lowerChild(p)
	}
	off := int(slotAt(p, idx-1))
	return recordChild(p, off)
}

// insertInner inserts a new separator key with its right-hand child
// into a BasicInner held Exclusive. Returns errFull if there is no room.
func insertInner(g *Guard, sepKey []byte, child PageID) error {
	p := g.Page()
	pl := prefixLen(p)
	if len(sepKey) < pl || !bytes.Equal(sepKey[:pl], prefix(p)) {
		return errOptimistic
	}
	tail := sepKey[pl:]
	idx, found := findSlot(p, tail)
	if found {
		// a separator key must be unique; this would indicate a
		// structural bug upstream.
		panic("olctree: duplicate separator key in inner node")
	}
	newSize := innerRecordSize(len(tail))
	if freeSpace(p) < newSize {
		if spaceAfterCompaction(p, 1) < newSize {
			return errFull
		}
		compactify(g)
		if freeSpace(p) < newSize {
			return errFull
		}
	}
	off := heapWriteInner(p, tail, child)
	shiftForInsert(p, idx)
	setHeadAtN(p, true, idx, keyHead(tail))
	setSlotAtN(p, true, nodeCount(p), idx, uint16(off))
	refreshHints(p)
	return nil
}

// compactify repacks all live records against the fences, reclaiming
// heap_freed space. Must be called only while holding Exclusive.
func compactify(g *Guard) {
	p := g.Page()
	inner := isInnerTag(pageTag(p))
	count := nodeCount(p)

	type live struct {
		tail  []byte
		val   []byte
		child PageID
	}
	recs := make([]live, count)
	for i := 0; i < count; i++ {
		off := int(slotAt(p, i))
		tail := append([]byte{}, recordKeyTail(p, inner, off)...)
		if inner {
			recs[i] = live{tail: tail, child: recordChild(p, off)}
		} else {
			recs[i] = live{tail: tail, val: append([]byte{}, recordValue(p, off)...)}
		}
	}

	top := fencesOffset(p)
	for i := 0; i < count; i++ {
		var off int
		if inner {
			size := innerRecordSize(len(recs[i].tail))
			top -= size
			binary.LittleEndian.PutUint16(p.buf[top:], uint16(len(recs[i].tail)))
			putPageID(p.buf[top+2:top+2+pageIDEncodedSize], recs[i].child)
			copy(p.buf[top+8:], recs[i].tail)
			off = top
		} else {
			size := leafRecordSize(len(recs[i].tail), len(recs[i].val))
			top -= size
			binary.LittleEndian.PutUint16(p.buf[top:], uint16(len(recs[i].tail)))
			binary.LittleEndian.PutUint16(p.buf[top+2:], uint16(len(recs[i].val)))
			copy(p.buf[top+4:], recs[i].tail)
			copy(p.buf[top+4+len(recs[i].tail):], recs[i].val)
			off = top
		}
		setSlotAtN(p, inner, count, i, uint16(off))
	}
	setHeapBump(p, top)
	setHeapFreed(p, 0)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// peekSeparator computes, without mutating p, the exact separator key
// splitBasicNode(p, ...) would produce if invoked right now. Used to
// confirm a node's parent has room for its separator before the node is
// actually torn apart by a split.
func peekSeparator(p *Page) []byte {
	inner := isInnerTag(pageTag(p))
	pre := prefix(p)
	if inner {
		off := int(slotAt(p, nodeCount(p)/2))
		return append(append([]byte{}, pre...), recordKeyTail(p, true, off)...)
	}
	_, tail := findLeafSeparator(p)
	return append(append([]byte{}, pre...), tail...)
}

// fitsInnerRecord reports whether inner node p has room for one more
// separator record for fullKey, compaction included, without needing a
// split of its own.
func fitsInnerRecord(p *Page, fullKey []byte) bool {
	pl := prefixLen(p)
	if len(fullKey) < pl || !bytes.Equal(fullKey[:pl], prefix(p)) {
		return false
	}
	tail := fullKey[pl:]
	size := innerRecordSize(len(tail))
	if freeSpace(p) >= size {
		return true
	}
	return spaceAfterCompaction(p, 1) >= size
}

// findLeafSeparator picks the split point among
// [count/2-count/8, count/2+count/8] minimizing the resulting separator
// length (the first differing byte between the keys straddling the
// split, plus one), tie-broken by closeness to the exact midpoint.
// Returns the split index (left keeps [0,idx), right gets [idx,count))
// and the separator tail bytes (a prefix of the right key at idx).
func findLeafSeparator(p *Page) (splitIdx int, sepTail []byte) {
	inner := isInnerTag(pageTag(p))
	count := nodeCount(p)
	rs := count/2 - count/8
	re := count/2 + count/8
	if rs < 1 {
		rs = 1
	}
	if re > count-1 {
		re = count - 1
	}
	if rs > re {
		rs, re = count/2, count/2
	}
	best := rs
	bestLen := -1
	for idx := rs; idx <= re; idx++ {
		a := recordKeyTail(p, inner, int(slotAt(p, idx-1)))
		b := recordKeyTail(p, inner, int(slotAt(p, idx)))
		cp := commonPrefixLen(a, b)
		l := cp + 1
		if l > len(b) {
			l = len(b)
		}
		if bestLen == -1 || l < bestLen || (l == bestLen && abs(idx-count/2) < abs(best-count/2)) {
			bestLen = l
			best = idx
		}
	}
	b := recordKeyTail(p, inner, int(slotAt(p, best)))
	return best, append([]byte{}, b[:bestLen]...)
}

// splitBasicNode splits leftG's node (held Exclusive) into itself (now
// the left half) and rightG's freshly allocated, Exclusive page (the
// right half). Returns the separator key in full (untruncated) form for
// the caller to insert into the parent via insert_upper_sibling.
func splitBasicNode(leftG, rightG *Guard) []byte {
	left := leftG.Page()
	inner := isInnerTag(pageTag(left))
	count := nodeCount(left)
	oldPrefix := append([]byte{}, prefix(left)...)
	lf := append([]byte{}, lowerFence(left)...)
	uf := append([]byte{}, upperFence(left)...)

	type rec struct {
		key   []byte
		val   []byte
		child PageID
	}
	recs := make([]rec, count)
	for i := 0; i < count; i++ {
		off := int(slotAt(left, i))
		full := append(append([]byte{}, oldPrefix...), recordKeyTail(left, inner, off)...)
		if inner {
			recs[i] = rec{key: full, child: recordChild(left, off)}
		} else {
			recs[i] = rec{key: full, val: append([]byte{}, recordValue(left, off)...)}
		}
	}

	var splitIdx int
	var sepFull []byte
	if inner {
		splitIdx = count / 2
		sepFull = recs[splitIdx].key
	} else {
		idx, tail := findLeafSeparator(left)
		splitIdx = idx
		sepFull = append(append([]byte{}, oldPrefix...), tail...)
	}

	var lowerChildOfSource PageID
	if inner {
		lowerChildOfSource = lowerChild(left)
	}

	if inner {
		initBasicInner(rightG, sepFull, uf, 0)
		initBasicInner(leftG, lf, sepFull, lowerChildOfSource)
		for i := 0; i < splitIdx; i++ {
			if err := insertInner(leftG, recs[i].key, recs[i].child); err != nil {
				panic("olctree: split rebuild overflowed left inner node")
			}
		}
		setLowerChild(rightG.Page(), recs[splitIdx].child)
		for i := splitIdx + 1; i < count; i++ {
			if err := insertInner(rightG, recs[i].key, recs[i].child); err != nil {
				panic("olctree: split rebuild overflowed right inner node")
			}
		}
	} else {
		initBasicLeaf(rightG, sepFull, uf)
		initBasicLeaf(leftG, lf, sepFull)
		for i := 0; i < splitIdx; i++ {
			if _, err := insertLeaf(leftG, recs[i].key, recs[i].val); err != nil {
				panic("olctree: split rebuild overflowed left leaf")
			}
		}
		for i := splitIdx; i < count; i++ {
			if _, err := insertLeaf(rightG, recs[i].key, recs[i].val); err != nil {
				panic("olctree: split rebuild overflowed right leaf")
			}
		}
	}
	return sepFull
}

// mergeBasicNode folds right's records into left (both held Exclusive),
// producing a single node spanning [left.lowerFence, right.upperFence].
// The caller is responsible for removing the separator from the parent
// and freeing right's page afterward.
func mergeBasicNode(leftG, rightG *Guard) {
	left, right := leftG.Page(), rightG.Page()
	inner := isInnerTag(pageTag(left))
	lf := append([]byte{}, lowerFence(left)...)
	uf := append([]byte{}, upperFence(right)...)

	leftPrefix := append([]byte{}, prefix(left)...)
	rightPrefix := append([]byte{}, prefix(right)...)
	leftCount, rightCount := nodeCount(left), nodeCount(right)

	type rec struct {
		key   []byte
		val   []byte
		child PageID
	}
	var mid *rec
	recs := make([]rec, 0, leftCount+rightCount+1)
	for i := 0; i < leftCount; i++ {
		off := int(slotAt(left, i))
		full := append(append([]byte{}, leftPrefix...), recordKeyTail(left, inner, off)...)
		if inner {
			recs = append(recs, rec{key: full, child: recordChild(left, off)})
		} else {
			recs = append(recs, rec{key: full, val: append([]byte{}, recordValue(left, off)...)})
		}
	}
	var leftLowerChild PageID
	if inner {
		leftLowerChild = lowerChild(left)
		sep := append([]byte{}, upperFence(left)...)
		mid = &rec{key: sep, child: lowerChild(right)}
	}
	for i := 0; i < rightCount; i++ {
		off := int(slotAt(right, i))
		full := append(append([]byte{}, rightPrefix...), recordKeyTail(right, inner, off)...)
		if inner {
			recs = append(recs, rec{key: full, child: recordChild(right, off)})
		} else {
			recs = append(recs, rec{key: full, val: append([]byte{}, recordValue(right, off)...)})
		}
	}

	if inner {
		initBasicInner(leftG, lf, uf, leftLowerChild)
		if err := insertInner(leftG, mid.key, mid.child); err != nil {
			panic("olctree: merge rebuild overflowed")
		}
	} else {
		initBasicLeaf(leftG, lf, uf)
	}
	for _, r := range recs {
		if inner {
			if err := insertInner(leftG, r.key, r.child); err != nil {
				panic("olctree: merge rebuild overflowed")
			}
		} else {
			if _, err := insertLeaf(leftG, r.key, r.val); err != nil {
				panic("olctree: merge rebuild overflowed")
			}
		}
	}
}
