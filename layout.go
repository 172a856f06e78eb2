package olctree

import "encoding/binary"

// BasicNode (inner or leaf) body layout, immediately following the
// CommonHeader + HeapInfo (header.go):
//
//	inner-only: lower child pointer, 8 bytes (6-byte PageID + 2 pad)
//	hints[16]  u32
//	heads[count] u32
//	slots[count] u16
//	... free space ...
//	heap, growing downward from heap_bump toward the fences
//
// All offset helpers below take an explicit isInner/count rather than
// reading the page live, so callers can compute "old" and "new" layouts
// side by side while shifting the heads/slots arrays during insert and
// remove.

const (
	innerLowerChildOff  = commonHeaderSize // 16
	innerLowerChildSize = 8
	innerHintsOff       = innerLowerChildOff + innerLowerChildSize // 24
	leafHintsOff        = commonHeaderSize                         // 16
	hintsSize           = hintCount * 4                            // 64
)

func isInnerTag(tag byte) bool { return tag == tagBasicInner }

func hintsOffset(inner bool) int {
	if inner {
		return innerHintsOff
	}
	return leafHintsOff
}

func headsOffset(inner bool) int { return hintsOffset(inner) + hintsSize }

func slotsOffsetN(inner bool, count int) int { return headsOffset(inner) + 4*count }

func headOffsetN(inner bool, i int) int { return headsOffset(inner) + 4*i }

func slotOffsetN(inner bool, count, i int) int { return slotsOffsetN(inner, count) + 2*i }

func lowerChild(p *Page) PageID {
	return getPageID(p.buf[innerLowerChildOff : innerLowerChildOff+pageIDEncodedSize])
}

func setLowerChild(p *Page, id PageID) {
	putPageID(p.buf[innerLowerChildOff:innerLowerChildOff+pageIDEncodedSize], id)
}

func headAtN(p *Page, inner bool, i int) uint32 {
	off := headOffsetN(inner, i)
	rangeCheck(off, 4)
	return binary.LittleEndian.Uint32(p.buf[off:])
}

func setHeadAtN(p *Page, inner bool, i int, v uint32) {
	off := headOffsetN(inner, i)
	binary.LittleEndian.PutUint32(p.buf[off:], v)
}

func slotAtN(p *Page, inner bool, count, i int) uint16 {
	off := slotOffsetN(inner, count, i)
	rangeCheck(off, 2)
	return binary.LittleEndian.Uint16(p.buf[off:])
}

func setSlotAtN(p *Page, inner bool, count, i int, v uint16) {
	off := slotOffsetN(inner, count, i)
	binary.LittleEndian.PutUint16(p.buf[off:], v)
}

// headAt/slotAt read using the page's current (live) count; used outside
// the insert/remove shift routines, where the count is already settled.
func headAt(p *Page, i int) uint32 {
	return headAtN(p, isInnerTag(pageTag(p)), i)
}

func slotAt(p *Page, i int) uint16 {
	if pageTag(p) == tagHashLeaf {
		return hashSlotAt(p, i)
	}
	inner := isInnerTag(pageTag(p))
	return slotAtN(p, inner, nodeCount(p), i)
}

func hintAt(p *Page, inner bool, i int) uint32 {
	off := hintsOffset(inner) + 4*i
	return binary.LittleEndian.Uint32(p.buf[off:])
}

func setHintAt(p *Page, inner bool, i int, v uint32) {
	off := hintsOffset(inner) + 4*i
	binary.LittleEndian.PutUint32(p.buf[off:], v)
}

// refreshHints recomputes all hintCount sampled heads from the current
// heads array. A no-op (zeroed hints) below minHintCount, matching the
// spec's structural invariant that hints are only meaningful once
// count >= minHintCount.
func refreshHints(p *Page) {
	inner := isInnerTag(pageTag(p))
	count := nodeCount(p)
	if count < minHintCount {
		for i := 0; i < hintCount; i++ {
			setHintAt(p, inner, i, 0)
		}
		return
	}
	spacing := count / hintCount
	if spacing == 0 {
		spacing = 1
	}
	for i := 0; i < hintCount; i++ {
		idx := (i + 1) * spacing
		if idx >= count {
			idx = count - 1
		}
		setHintAt(p, inner, i, headAtN(p, inner, idx))
	}
}

// recordTailOffset returns the byte offset, inside a record, at which
// the key tail begins: 4 for leaf records (u16 key_len + u16 val_len),
// 8 for inner records (u16 key_len + 6-byte PageID).
func recordTailOffset(inner bool) int {
	if inner {
		return 8
	}
	return 4
}

func recordKeyLen(p *Page, off int) int {
	rangeCheck(off, 2)
	return int(binary.LittleEndian.Uint16(p.buf[off:]))
}

func recordValLen(p *Page, off int) int {
	rangeCheck(off+2, 2)
	return int(binary.LittleEndian.Uint16(p.buf[off+2:]))
}

// recordKeyTail returns the stored (prefix-truncated) key bytes of the
// record at heap offset off.
func recordKeyTail(p *Page, inner bool, off int) []byte {
	kl := recordKeyLen(p, off)
	to := recordTailOffset(inner)
	rangeCheck(off+to, kl)
	return p.buf[off+to : off+to+kl]
}

func recordValue(p *Page, off int) []byte {
	kl := recordKeyLen(p, off)
	vl := recordValLen(p, off)
	start := off + 4 + kl
	rangeCheck(start, vl)
	return p.buf[start : start+vl]
}

func recordChild(p *Page, off int) PageID {
	rangeCheck(off+2, pageIDEncodedSize)
	return getPageID(p.buf[off+2 : off+2+pageIDEncodedSize])
}

func roundUp2(n int) int { return (n + 1) &^ 1 }

func leafRecordSize(keyTailLen, valLen int) int {
	return roundUp2(4 + keyTailLen + valLen)
}

func innerRecordSize(keyTailLen int) int {
	return roundUp2(8 + keyTailLen)
}

// recordSizeAt returns the on-heap size, in bytes, of the record at slot
// index i (used when freeing/relocating during remove/compact).
func recordSizeAt(p *Page, inner bool, i int) int {
	off := int(slotAt(p, i))
	kl := recordKeyLen(p, off)
	if inner {
		return innerRecordSize(kl)
	}
	vl := recordValLen(p, off)
	return leafRecordSize(kl, vl)
}
