package pagestore

import (
	"github.com/decoi-io/pagestore/internal/platform"
)

// Page is the in-memory handle to a page or overflow run: a pointer
// into either the transaction's dirty set or the database's read-only
// mapping, plus the user-visible overflow size recorded in metadata.
type Page struct {
	PageNum      uint64
	Address      []byte
	OverflowSize uint32
}

// dirtyPage is a writable in-memory copy of a page or overflow run,
// pinned in a writing transaction's dirty set.
type dirtyPage struct {
	data         []byte
	overflowSize uint32
}

// Txn is a transaction: a read-only or writing view over a DB. See
// spec §4.F / §5 for the envelope's concurrency contract.
type Txn struct {
	db      *DB
	writing bool
	closed  bool
	dirty   map[uint64]*dirtyPage
}

// CreateTransaction begins a transaction against db. A writing
// transaction blocks until it acquires the database's single-writer
// mutex; read-only transactions never block.
func (db *DB) CreateTransaction(writing bool) (*Txn, error) {
	if writing {
		db.writerMu.Lock()
	}
	return &Txn{db: db, writing: writing, dirty: make(map[uint64]*dirtyPage)}, nil
}

// Writing reports whether t may modify pages.
func (t *Txn) Writing() bool { return t.writing }

// pagesForOverflow returns max(1, ceil(overflowSize/PageSize)).
func pagesForOverflow(overflowSize uint32) uint64 {
	if overflowSize <= 1 {
		return 1
	}
	return ceilDiv(uint64(overflowSize), PageSize)
}

// readPageBytes returns pageNum's current bytes (dirty copy if one
// exists, else a slice of the read-only mapping), without going
// through the public GetPage/ModifyPage validation. It exists so
// getPageMetadata never recurses into ModifyPage (see the doc comment
// on getPageMetadata for why).
func (t *Txn) readPageBytes(pageNum, runPages uint64) ([]byte, error) {
	if d, ok := t.dirty[pageNum]; ok {
		return d.data, nil
	}
	return t.db.mappingSlice(pageNum, runPages)
}

// getPageMetadata is the non-modifying metadata accessor. ModifyPage
// uses this (never modifyPageMetadataRecord) to learn a page's
// current flags/overflow_size, which is what prevents
// modify_page -> modify_page_metadata -> modify_page -> ... recursion
// (spec §4.C's closing note / §9's open question).
func (t *Txn) getPageMetadata(pageNum uint64) (PageMetadata, error) {
	metaPage, idx := MetadataPageOffset(t.db.numberOfPages, pageNum, t.db.pagesPerMetadataSection)
	data, err := t.readPageBytes(metaPage, 1)
	if err != nil {
		return PageMetadata{}, err
	}
	off := idx * metadataRecordSize
	return DecodePageMetadata(data[off : off+metadataRecordSize]), nil
}

// modifyPageMetadataRecord returns a writable slice over pageNum's
// 16-byte metadata record, pinning its metadata page in the dirty
// set. This is the only path that mutates metadata, and it is always
// reached through ModifyPage on the metadata page (never the other
// way around).
func modifyPageMetadataRecord(t *Txn, pageNum uint64) ([]byte, error) {
	metaPage, idx := MetadataPageOffset(t.db.numberOfPages, pageNum, t.db.pagesPerMetadataSection)
	page, err := t.ModifyPage(metaPage)
	if err != nil {
		return nil, err
	}
	off := idx * metadataRecordSize
	return page.Address[off : off+metadataRecordSize], nil
}

// GetPage returns a read-only handle to pageNum: the transaction's
// dirty copy if one exists, otherwise a slice of the database's
// mapping. Never allocates, never blocks on another transaction.
func (t *Txn) GetPage(pageNum uint64) (*Page, error) {
	if t.closed {
		return nil, ErrTransactionClosed
	}
	if err := t.db.validatePageNum(pageNum); err != nil {
		return nil, err
	}
	if d, ok := t.dirty[pageNum]; ok {
		return &Page{PageNum: pageNum, Address: d.data, OverflowSize: d.overflowSize}, nil
	}
	meta, err := t.getPageMetadata(pageNum)
	if err != nil {
		return nil, markErr(err)
	}
	runPages := pagesForOverflow(meta.OverflowSize)
	data, err := t.db.mappingSlice(pageNum, runPages)
	if err != nil {
		return nil, markErr(err)
	}
	return &Page{PageNum: pageNum, Address: data, OverflowSize: meta.OverflowSize}, nil
}

// ModifyPage pins a writable copy of pageNum (and, for an overflow
// run, every page in that run) in the transaction's dirty set,
// copy-on-write at page granularity. Subsequent GetPage/ModifyPage
// calls for the same pageNum in this transaction return the same
// buffer.
func (t *Txn) ModifyPage(pageNum uint64) (*Page, error) {
	if t.closed {
		return nil, ErrTransactionClosed
	}
	if !t.writing {
		return nil, ErrReadOnlyTransaction
	}
	if err := t.db.validatePageNum(pageNum); err != nil {
		return nil, err
	}
	if d, ok := t.dirty[pageNum]; ok {
		return &Page{PageNum: pageNum, Address: d.data, OverflowSize: d.overflowSize}, nil
	}

	meta, err := t.getPageMetadata(pageNum)
	if err != nil {
		return nil, markErr(err)
	}
	runPages := pagesForOverflow(meta.OverflowSize)

	src, err := t.db.mappingSlice(pageNum, runPages)
	if err != nil {
		return nil, markErr(err)
	}
	buf := make([]byte, len(src))
	copy(buf, src)

	t.dirty[pageNum] = &dirtyPage{data: buf, overflowSize: meta.OverflowSize}
	return &Page{PageNum: pageNum, Address: buf, OverflowSize: meta.OverflowSize}, nil
}

// FreePage releases pageNum: for a single page, clears one bitmap bit
// and zeroes one metadata record; for an overflow_first page, the
// whole run. Freeing an already-free page is a no-op. Freeing an
// overflow_rest page is rejected as invalid-state (spec §9).
func (t *Txn) FreePage(pageNum uint64) error {
	if t.closed {
		return ErrTransactionClosed
	}
	if !t.writing {
		return ErrReadOnlyTransaction
	}
	if err := t.db.validatePageNum(pageNum); err != nil {
		return err
	}

	meta, err := t.getPageMetadata(pageNum)
	if err != nil {
		return markErr(err)
	}
	if meta.Flags == FlagFree {
		return nil
	}
	if meta.Flags == FlagOverflowRest {
		return newErr(KindInvalidState, "free_page called on an overflow_rest page (%d); free the overflow_first page instead", pageNum)
	}

	runPages := uint64(1)
	if meta.Flags == FlagOverflowFirst {
		runPages = pagesForOverflow(meta.OverflowSize)
	}

	for b := pageNum; b < pageNum+runPages; b++ {
		if err := clearBitmapBit(t, b); err != nil {
			return err
		}
		rec, err := modifyPageMetadataRecord(t, b)
		if err != nil {
			return err
		}
		PageMetadata{}.Encode(rec)
		delete(t.dirty, b)
	}
	return nil
}

// AllocatePage finds and reserves a contiguous run of pages able to
// hold overflowSize bytes (at least 1 page), marking them busy in the
// bitmap and metadata, and returns a writable handle to the run's
// first page. near is a locality hint: the allocator prefers a run
// close to it. Returns a no-space error if no sufficiently large free
// run exists.
func (t *Txn) AllocatePage(overflowSize uint32, near uint64) (*Page, error) {
	if t.closed {
		return nil, ErrTransactionClosed
	}
	if !t.writing {
		return nil, ErrReadOnlyTransaction
	}
	if err := t.db.validatePageNum(near); err != nil {
		return nil, err
	}

	return allocatePage(t, overflowSize, near)
}

// Commit writes every dirty page's buffer to its file offset, then
// issues a data durability barrier. On any I/O failure the database
// is marked potentially inconsistent (spec §9); the caller must still
// call Close.
func (t *Txn) Commit() error {
	if t.closed {
		return ErrTransactionClosed
	}
	if !t.writing {
		return ErrReadOnlyTransaction
	}

	for pageNum, d := range t.dirty {
		offset := int64(pageNum) * PageSize
		if err := platform.WriteFile(t.db.handle, offset, d.data); err != nil {
			t.db.markInconsistent()
			return wrapErr(KindIO, err, "write page %d", pageNum)
		}
		t.db.bitmapCache.invalidate(pageNum)
	}
	if len(t.dirty) > 0 {
		if err := platform.Sync(t.db.handle); err != nil {
			t.db.markInconsistent()
			return wrapErr(KindIO, err, "fsync commit")
		}
	}
	return nil
}

// Close releases the transaction's dirty set and, for a writing
// transaction, the single-writer lock. Closing an uncommitted writing
// transaction discards its changes: nothing in the dirty set was ever
// written, so there is nothing further to undo.
func (t *Txn) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.dirty = nil
	if t.writing {
		t.db.writerMu.Unlock()
	}
	return nil
}
