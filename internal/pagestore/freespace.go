// This file implements the free-space manager (spec §4.E): it
// maintains the on-disk bitmap of busy pages and serves allocations
// (single or overflow) and frees via internal/bitmap's best-fit
// search plus metadata.go's O(1) placement lookup.
package pagestore

import "github.com/decoi-io/pagestore/internal/bitmap"

const bitsPerPage = PageSize * 8

// bitmapPageForBit returns which bitmap page (1-indexed after the
// header page) holds bit, and bit's index within that page.
func bitmapPageForBit(bit uint64) (page uint64, localBit uint64) {
	return 1 + bit/bitsPerPage, bit % bitsPerPage
}

// readBitmapWords returns a snapshot of every busy/free bit across
// the whole file as one logical []uint64, honoring any bitmap pages
// already pinned in the transaction's dirty set.
func readBitmapWords(t *Txn) ([]uint64, error) {
	k := bitmapPageCount(t.db.numberOfPages)
	words := make([]uint64, 0, k*(PageSize/8))
	for p := uint64(1); p <= k; p++ {
		if _, dirty := t.dirty[p]; !dirty {
			if cached, ok := t.db.bitmapCache.get(p); ok {
				words = append(words, cached...)
				continue
			}
		}
		data, err := t.readPageBytes(p, 1)
		if err != nil {
			return nil, err
		}
		pageWords := bytesToWords(data)
		if _, dirty := t.dirty[p]; !dirty {
			t.db.bitmapCache.set(p, pageWords)
		}
		words = append(words, pageWords...)
	}
	return words, nil
}

func bytesToWords(buf []byte) []uint64 {
	words := make([]uint64, len(buf)/8)
	for i := range words {
		words[i] = leUint64(buf[i*8 : i*8+8])
	}
	return words
}

func leUint64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// setBitmapBit marks page bit busy, pinning its bitmap page as dirty.
func setBitmapBit(t *Txn, bit uint64) error {
	return storeBitmapBit(t, bit, true)
}

// clearBitmapBit marks page bit free, pinning its bitmap page as
// dirty.
func clearBitmapBit(t *Txn, bit uint64) error {
	return storeBitmapBit(t, bit, false)
}

func storeBitmapBit(t *Txn, bit uint64, busy bool) error {
	page, local := bitmapPageForBit(bit)
	handle, err := t.ModifyPage(page)
	if err != nil {
		return err
	}
	byteOff := local / 8
	bitOff := local % 8
	if busy {
		handle.Address[byteOff] |= 1 << bitOff
	} else {
		handle.Address[byteOff] &^= 1 << bitOff
	}
	return nil
}

// allocatePage implements spec §4.E's allocate_page.
func allocatePage(t *Txn, overflowSize uint32, near uint64) (*Page, error) {
	required := pagesForOverflow(overflowSize)

	words, err := readBitmapWords(t)
	if err != nil {
		return nil, err
	}

	first, ok := bitmap.FindFreeRange(words, t.db.numberOfPages, required, near)
	if !ok {
		return nil, newErr(KindNoSpace, "no free run of %d page(s) near %d", required, near)
	}

	for b := first; b < first+required; b++ {
		if err := setBitmapBit(t, b); err != nil {
			return nil, err
		}
	}

	for b := first; b < first+required; b++ {
		rec, err := modifyPageMetadataRecord(t, b)
		if err != nil {
			return nil, err
		}
		var m PageMetadata
		switch {
		case required == 1:
			m = PageMetadata{Flags: FlagSingle, OverflowSize: 0}
		case b == first:
			m = PageMetadata{Flags: FlagOverflowFirst, OverflowSize: overflowSize}
		default:
			m = PageMetadata{Flags: FlagOverflowRest, OverflowSize: overflowSize - uint32((b-first)*PageSize)}
		}
		m.Encode(rec)
	}

	return t.ModifyPage(first)
}
