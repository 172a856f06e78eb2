package olctree

import "errors"

// Internal errors. errOptimistic (seqlock.go) never escapes a public
// operation; errFull and errPromoteFailed are consumed by tree.go's
// insert/promotion logic. ErrOutOfPages, ErrKeyTooLarge, and
// ErrValueTooLarge are contract violations or resource exhaustion and
// are allowed to propagate as panics per spec.md section 7.
var (
	errFull          = errors.New("olctree: node full")
	errPromoteFailed = errors.New("olctree: promotion not applicable")

	// ErrOutOfPages is panicked when the allocator's fixed pool is
	// exhausted and the free list is empty.
	ErrOutOfPages = errors.New("olctree: page pool exhausted")

	// ErrKeyTooLarge and ErrValueTooLarge are panicked when a caller
	// passes a key or value exceeding MaxKeySize/MaxValSize.
	ErrKeyTooLarge   = errors.New("olctree: key exceeds MaxKeySize")
	ErrValueTooLarge = errors.New("olctree: value exceeds MaxValSize")
)
