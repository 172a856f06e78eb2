package olctree

import "encoding/binary"

// PageID identifies a slot in an Allocator's fixed page pool. It is stable
// for the lifetime of the pool. PageID 0 is an ordinary, allocatable id
// (the pool's bump counter starts there); this tree never needs a "no
// child" sentinel since every inner node's lower child is populated at
// the node's creation.
type PageID uint64

// maxPageID is the largest id representable in the 3x16 record encoding
// basic node records and the inner lower-child field use to store a
// PageID inline in page bytes (48 bits, mirroring the teacher's packed
// representation for an on-page child pointer).
const maxPageID = 1<<48 - 1

// putPageID writes id into dst (must be len 6) as three little-endian
// uint16 words, the on-page encoding for inner-node child pointers.
func putPageID(dst []byte, id PageID) {
	if id > maxPageID {
		panic("olctree: page id exceeds 48-bit on-page encoding")
	}
	binary.LittleEndian.PutUint16(dst[0:2], uint16(id))
	binary.LittleEndian.PutUint16(dst[2:4], uint16(id>>16))
	binary.LittleEndian.PutUint16(dst[4:6], uint16(id>>32))
}

// getPageID decodes the 3x16 on-page encoding written by putPageID.
func getPageID(src []byte) PageID {
	lo := binary.LittleEndian.Uint16(src[0:2])
	mid := binary.LittleEndian.Uint16(src[2:4])
	hi := binary.LittleEndian.Uint16(src[4:6])
	return PageID(lo) | PageID(mid)<<16 | PageID(hi)<<32
}

// pageIDEncodedSize is the number of on-page bytes an encoded PageID
// occupies (3 uint16 words); callers pad the field out to an 8-byte
// aligned slot themselves.
const pageIDEncodedSize = 6
