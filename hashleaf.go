package olctree

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// HashLeaf layout, following the CommonHeader + HeapInfo shared with
// BasicNode (header.go):
//
//	offset 16  sorted u16 (count of leading slots known sorted)
//	offset 18  _pad   u16
//	offset 20  slots[count] u16
//	           hash[count]  u8
//	           ... free space ...
//	           heap, growing downward from heap_bump, record shape
//	           identical to BasicLeaf (u16 key_len, u16 val_len, tail, val)
//
// HashLeaf optimizes point operations on short keys at the cost of an
// unordered (until sorted) slot array; Tree.Scan sorts it first.
const (
	hashLeafSortedOff = 16
	hashLeafSlotsOff  = 20
)

func hashSorted(p *Page) int { return int(binary.LittleEndian.Uint16(p.buf[hashLeafSortedOff:])) }
func setHashSorted(p *Page, n int) {
	binary.LittleEndian.PutUint16(p.buf[hashLeafSortedOff:], uint16(n))
}

func hashSlotsOffsetN(count int) int { return hashLeafSlotsOff }
func hashArrayOffsetN(count int) int { return hashLeafSlotsOff + 2*count }

func hashSlotAt(p *Page, i int) uint16 {
	off := hashLeafSlotsOff + 2*i
	rangeCheck(off, 2)
	return binary.LittleEndian.Uint16(p.buf[off:])
}
func setHashSlotAt(p *Page, i int, v uint16) {
	binary.LittleEndian.PutUint16(p.buf[hashLeafSlotsOff+2*i:], v)
}

func hashByteAt(p *Page, count, i int) byte {
	off := hashArrayOffsetN(count) + i
	rangeCheck(off, 1)
	return p.buf[off]
}
func setHashByteAt(p *Page, count, i int, v byte) {
	p.buf[hashArrayOffsetN(count)+i] = v
}

// tailHash computes the single-byte hash of a truncated key used to
// accelerate HashLeaf point lookups.
func tailHash(tail []byte) byte {
	var h uint32 = 2166136261 // FNV-1a offset basis
	for _, b := range tail {
		h ^= uint32(b)
		h *= 16777619
	}
	return byte(h ^ (h >> 24))
}

// initHashLeaf (re)initializes g's page as an empty HashLeaf with the
// given fences.
func initHashLeaf(g *Guard, lower, upper []byte) {
	p := g.Page()
	setPageTag(p, tagHashLeaf)
	setNodeCount(p, 0)
	setScanCounter(p, 0)
	writeFences(p, lower, upper)
	setHashSorted(p, 0)
}

func hashFreeSpace(p *Page) int {
	count := nodeCount(p)
	used := hashArrayOffsetN(count+1) + (count + 1)
	return heapBump(p) - used
}

func hashSpaceAfterCompaction(p *Page, extraSlots int) int {
	newCount := nodeCount(p) + extraSlots
	used := hashArrayOffsetN(newCount) + newCount
	return fencesOffset(p) - used - liveHeapBytes(p)
}

// hashFindLinear scans the unsorted region for an exact tail match,
// returning its slot index or -1.
func hashFindLinear(p *Page, tail []byte) int {
	count := nodeCount(p)
	h := tailHash(tail)
	for i := 0; i < count; i++ {
		if hashByteAt(p, count, i) != h {
			continue
		}
		off := int(hashSlotAt(p, i))
		if bytes.Equal(recordKeyTail(p, false, off), tail) {
			return i
		}
	}
	return -1
}

func lookupHashLeaf(p *Page, key []byte) (val []byte, found bool, err error) {
	pl := prefixLen(p)
	if len(key) < pl || !bytes.Equal(key[:pl], prefix(p)) {
		return nil, false, errOptimistic
	}
	tail := key[pl:]
	idx := hashFindLinear(p, tail)
	if idx < 0 {
		return nil, false, nil
	}
	off := int(hashSlotAt(p, idx))
	return recordValue(p, off), true, nil
}

// insertHashLeaf appends or overwrites (key, val). New records are
// always appended (leaving the slot array unsorted past hashSorted);
// compaction and space checks mirror insertLeaf.
func insertHashLeaf(g *Guard, key, val []byte) (replaced bool, err error) {
	p := g.Page()
	pl := prefixLen(p)
	if len(key) < pl || !bytes.Equal(key[:pl], prefix(p)) {
		return false, errOptimistic
	}
	tail := key[pl:]
	count := nodeCount(p)

	if idx := hashFindLinear(p, tail); idx >= 0 {
		off := int(hashSlotAt(p, idx))
		oldSize := leafRecordSize(recordKeyLen(p, off), recordValLen(p, off))
		newSize := leafRecordSize(len(tail), len(val))
		if newSize <= oldSize {
			setHeapFreed(p, heapFreed(p)+(oldSize-newSize))
			binary.LittleEndian.PutUint16(p.buf[off:], uint16(len(tail)))
			binary.LittleEndian.PutUint16(p.buf[off+2:], uint16(len(val)))
			copy(p.buf[off+4:], tail)
			copy(p.buf[off+4+len(tail):], val)
			return true, nil
		}
		if hashFreeSpace(p) < newSize {
			if hashSpaceAfterCompaction(p, 0) < newSize {
				return false, errFull
			}
			compactifyHashLeaf(g)
			if hashFreeSpace(p) < newSize {
				return false, errFull
			}
		}
		setHeapFreed(p, heapFreed(p)+oldSize)
		newOff := heapWriteLeaf(p, tail, val)
		setHashSlotAt(p, idx, uint16(newOff))
		return true, nil
	}

	newSize := leafRecordSize(len(tail), len(val))
	if hashFreeSpace(p) < newSize {
		if hashSpaceAfterCompaction(p, 1) < newSize {
			return false, errFull
		}
		compactifyHashLeaf(g)
		if hashFreeSpace(p) < newSize {
			return false, errFull
		}
	}
	count = nodeCount(p)
	off := heapWriteLeaf(p, tail, val)
	copy(p.buf[hashArrayOffsetN(count+1):], p.buf[hashArrayOffsetN(count):hashArrayOffsetN(count)+count])
	setNodeCount(p, count+1)
	setHashSlotAt(p, count, uint16(off))
	setHashByteAt(p, count+1, count, tailHash(tail))
	return false, nil
}

// removeHashLeaf removes key, compacting the slot/hash arrays over the
// gap (order among the remaining records, sorted or not, is preserved
// for the sorted prefix by shifting rather than swap-removing).
func removeHashLeaf(g *Guard, key []byte) bool {
	p := g.Page()
	pl := prefixLen(p)
	if len(key) < pl || !bytes.Equal(key[:pl], prefix(p)) {
		return false
	}
	tail := key[pl:]
	idx := hashFindLinear(p, tail)
	if idx < 0 {
		return false
	}
	count := nodeCount(p)
	off := int(hashSlotAt(p, idx))
	size := leafRecordSize(recordKeyLen(p, off), recordValLen(p, off))
	setHeapFreed(p, heapFreed(p)+size)

	for i := idx; i < count-1; i++ {
		setHashSlotAt(p, i, hashSlotAt(p, i+1))
		setHashByteAt(p, count, i, hashByteAt(p, count, i+1))
	}
	copy(p.buf[hashArrayOffsetN(count-1):], p.buf[hashArrayOffsetN(count):hashArrayOffsetN(count)+count-1])
	setNodeCount(p, count-1)
	if s := hashSorted(p); idx < s {
		setHashSorted(p, s-1)
	}
	return true
}

// compactifyHashLeaf repacks all live records against the fences,
// mirroring compactify but over the HashLeaf's simpler slot/hash arrays.
func compactifyHashLeaf(g *Guard) {
	p := g.Page()
	count := nodeCount(p)

	type live struct {
		tail []byte
		val  []byte
		hash byte
	}
	recs := make([]live, count)
	for i := 0; i < count; i++ {
		off := int(hashSlotAt(p, i))
		recs[i] = live{
			tail: append([]byte{}, recordKeyTail(p, false, off)...),
			val:  append([]byte{}, recordValue(p, off)...),
			hash: hashByteAt(p, count, i),
		}
	}

	top := fencesOffset(p)
	for i := 0; i < count; i++ {
		size := leafRecordSize(len(recs[i].tail), len(recs[i].val))
		top -= size
		binary.LittleEndian.PutUint16(p.buf[top:], uint16(len(recs[i].tail)))
		binary.LittleEndian.PutUint16(p.buf[top+2:], uint16(len(recs[i].val)))
		copy(p.buf[top+4:], recs[i].tail)
		copy(p.buf[top+4+len(recs[i].tail):], recs[i].val)
		setHashSlotAt(p, i, uint16(top))
		setHashByteAt(p, count, i, recs[i].hash)
	}
	setHeapBump(p, top)
	setHeapFreed(p, 0)
}

// sortHashLeaf brings the slot array into ascending key order, required
// before a range scan visits a HashLeaf. Must be called under Exclusive,
// per this repository's resolution of the spec's open question in favor
// of sorting under Exclusive rather than a Shared double-check.
func sortHashLeaf(g *Guard) {
	p := g.Page()
	count := nodeCount(p)
	if hashSorted(p) >= count {
		return
	}
	type rec struct {
		off  uint16
		hash byte
		tail []byte
	}
	recs := make([]rec, count)
	for i := 0; i < count; i++ {
		off := hashSlotAt(p, i)
		recs[i] = rec{off: off, hash: hashByteAt(p, count, i), tail: recordKeyTail(p, false, int(off))}
	}
	sort.Slice(recs, func(i, j int) bool { return bytes.Compare(recs[i].tail, recs[j].tail) < 0 })
	for i, r := range recs {
		setHashSlotAt(p, i, r.off)
		setHashByteAt(p, count, i, r.hash)
	}
	setHashSorted(p, count)
}
