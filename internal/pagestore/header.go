package pagestore

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/edsrzf/mmap-go"

	"github.com/decoi-io/pagestore/internal/platform"
)

// Magic identifies a pagestore data file. Version is bumped whenever
// the on-disk layout of §6 changes incompatibly.
var Magic = [8]byte{'P', 'G', 'S', 'T', 'O', 'R', '0', '1'}

const Version uint32 = 1

// DefaultInitialSize is the size a brand-new file is preallocated to
// on first open: 128 KiB = 16 pages, enough to hold the header, the
// initial bitmap page, and the initial metadata page.
const DefaultInitialSize = 128 * 1024

// Options configures Open.
type Options struct {
	// InitialSize is the size (bytes, rounded up to a page multiple)
	// a brand-new file is preallocated to. Zero selects
	// DefaultInitialSize.
	InitialSize int64
	// PagesPerMetadataSection overrides the default section size S.
	// Zero selects DefaultPagesPerMetadataSection. Ignored when
	// opening an existing file (the file's own value always wins).
	PagesPerMetadataSection uint64
}

type header struct {
	magic                   [8]byte
	version                 uint32
	pageSize                uint32
	numberOfPages           uint64
	pagesPerMetadataSection uint64
}

func encodeHeader(buf []byte, h header) {
	copy(buf[0:8], h.magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], h.version)
	binary.LittleEndian.PutUint32(buf[12:16], h.pageSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.numberOfPages)
	binary.LittleEndian.PutUint64(buf[24:32], h.pagesPerMetadataSection)
	for i := 32; i < len(buf); i++ {
		buf[i] = 0
	}
}

func decodeHeader(buf []byte) header {
	var h header
	copy(h.magic[:], buf[0:8])
	h.version = binary.LittleEndian.Uint32(buf[8:12])
	h.pageSize = binary.LittleEndian.Uint32(buf[12:16])
	h.numberOfPages = binary.LittleEndian.Uint64(buf[16:24])
	h.pagesPerMetadataSection = binary.LittleEndian.Uint64(buf[24:32])
	return h
}

// DB is an open pagestore data file: the transactional envelope's
// shared state (mapping, header, writer mutex).
type DB struct {
	handle *platform.Handle
	path   string

	numberOfPages           uint64
	pagesPerMetadataSection uint64

	mapping mmap.MMap

	writerMu sync.Mutex

	mu           sync.Mutex
	inconsistent bool

	bitmapCache *bitmapCache
}

// Open opens or creates a pagestore data file at path. A brand-new
// (zero-length) file is bootstrapped per spec §4.G; an existing file
// is verified against the current build's layout constants.
func Open(path string, opts Options) (*DB, error) {
	handle, err := platform.CreateFile(path)
	if err != nil {
		return nil, classifyPlatformErr(err)
	}

	size, err := platform.Size(handle)
	if err != nil {
		platform.CloseFile(handle)
		return nil, wrapErr(KindIO, err, "stat %s", path)
	}

	db := &DB{handle: handle, path: path, bitmapCache: newBitmapCache()}

	if size == 0 {
		initialSize := opts.InitialSize
		if initialSize == 0 {
			initialSize = DefaultInitialSize
		}
		s := opts.PagesPerMetadataSection
		if s == 0 {
			s = DefaultPagesPerMetadataSection
		}
		if err := bootstrap(db, initialSize, s); err != nil {
			platform.CloseFile(handle)
			return nil, err
		}
		return db, nil
	}

	if err := openExisting(db, size); err != nil {
		platform.CloseFile(handle)
		return nil, err
	}
	return db, nil
}

func classifyPlatformErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, platform.ErrEmptyPath):
		return newErr(KindInvalidArgument, "%v", err)
	case errors.Is(err, platform.ErrIsDirectory):
		return newErr(KindIsDirectory, "%v", err)
	case errors.Is(err, platform.ErrNotAFile):
		return newErr(KindNotAFile, "%v", err)
	default:
		return wrapErr(KindIO, err, "open")
	}
}

// bootstrap implements spec §4.G's first-open sequence.
func bootstrap(db *DB, initialSize int64, pagesPerMetadataSection uint64) error {
	initialSize = int64(ceilDiv(uint64(initialSize), PageSize) * PageSize)
	if err := platform.EnsureMinimumSize(db.handle, initialSize); err != nil {
		return wrapErr(KindIO, err, "preallocate initial file")
	}

	numberOfPages := uint64(initialSize) / PageSize
	db.numberOfPages = numberOfPages
	db.pagesPerMetadataSection = pagesPerMetadataSection

	hdrBuf := make([]byte, PageSize)
	encodeHeader(hdrBuf, header{
		magic:                   Magic,
		version:                 Version,
		pageSize:                PageSize,
		numberOfPages:           numberOfPages,
		pagesPerMetadataSection: pagesPerMetadataSection,
	})
	if err := platform.WriteFile(db.handle, 0, hdrBuf); err != nil {
		return wrapErr(KindIO, err, "write header")
	}
	if err := platform.Sync(db.handle); err != nil {
		return wrapErr(KindIO, err, "fsync header")
	}

	mapping, err := platform.MapFile(db.handle, 0, int(numberOfPages*PageSize))
	if err != nil {
		return wrapErr(KindIO, err, "map file")
	}
	db.mapping = mapping

	t, err := db.CreateTransaction(true)
	if err != nil {
		return err
	}
	defer t.Close()

	bitmapPages := bitmapPageCount(numberOfPages)

	seen := map[uint64]bool{}
	var busy []uint64
	addBusy := func(p uint64) {
		if !seen[p] {
			seen[p] = true
			busy = append(busy, p)
		}
	}
	addBusy(0)
	for b := uint64(1); b <= bitmapPages; b++ {
		addBusy(b)
	}
	// Every range present in the file owns its own trailing metadata
	// section (spec §4.D/§4.G step 4), not just the final range.
	for _, start := range SectionRangesUpTo(numberOfPages, pagesPerMetadataSection) {
		rangePages := pagesPerMetadataSection
		if numberOfPages-start < rangePages {
			rangePages = numberOfPages - start
		}
		rangeEnd := start + rangePages
		metaPages := MetadataSectionPages(rangePages)
		for m := rangeEnd - metaPages; m < rangeEnd; m++ {
			addBusy(m)
		}
	}

	for _, p := range busy {
		if err := setBitmapBit(t, p); err != nil {
			return err
		}
	}
	for _, p := range busy {
		rec, err := modifyPageMetadataRecord(t, p)
		if err != nil {
			return err
		}
		PageMetadata{Flags: FlagSingle | FlagMetadata}.Encode(rec)
	}

	if err := t.Commit(); err != nil {
		return err
	}
	return nil
}

// openExisting implements spec §4.G's reopen verification sequence.
func openExisting(db *DB, size int64) error {
	hdrBuf := make([]byte, PageSize)
	if _, err := db.handle.File().ReadAt(hdrBuf, 0); err != nil {
		return wrapErr(KindIO, err, "read header")
	}
	h := decodeHeader(hdrBuf)

	if h.magic != Magic {
		return newErr(KindCorruption, "bad magic")
	}
	if h.version != Version {
		return newErr(KindCorruption, "version mismatch: file=%d build=%d", h.version, Version)
	}
	if h.pageSize != PageSize {
		return newErr(KindCorruption, "page_size mismatch: file=%d build=%d", h.pageSize, PageSize)
	}
	if h.pagesPerMetadataSection == 0 {
		return newErr(KindCorruption, "pages_per_metadata_section is zero")
	}
	if size != int64(h.numberOfPages)*PageSize {
		return newErr(KindCorruption, "file length %d does not match number_of_pages %d", size, h.numberOfPages)
	}

	db.numberOfPages = h.numberOfPages
	db.pagesPerMetadataSection = h.pagesPerMetadataSection

	mapping, err := platform.MapFile(db.handle, 0, int(h.numberOfPages*PageSize))
	if err != nil {
		return wrapErr(KindIO, err, "map file")
	}
	db.mapping = mapping
	return nil
}

// bitmapPageCount is K = ceil(number_of_pages / (8 * page_size)).
func bitmapPageCount(numberOfPages uint64) uint64 {
	return ceilDiv(numberOfPages, PageSize*8)
}

// Close releases the mapping and closes the underlying file.
func (db *DB) Close() error {
	if db.mapping != nil {
		if err := platform.UnmapFile(db.mapping); err != nil {
			return wrapErr(KindIO, err, "unmap")
		}
		db.mapping = nil
	}
	if err := platform.CloseFile(db.handle); err != nil {
		return err
	}
	return nil
}

// NumberOfPages returns the total page count of the open file.
func (db *DB) NumberOfPages() uint64 { return db.numberOfPages }

// PagesPerMetadataSection returns S for the open file.
func (db *DB) PagesPerMetadataSection() uint64 { return db.pagesPerMetadataSection }

// Path returns the underlying file's path.
func (db *DB) Path() string { return db.path }

// Inconsistent reports whether a prior commit failed partway through,
// per spec §9: the caller should close any open transactions and
// treat the database as untrustworthy until a successful reopen
// re-verifies the header.
func (db *DB) Inconsistent() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.inconsistent
}

func (db *DB) markInconsistent() {
	db.mu.Lock()
	db.inconsistent = true
	db.mu.Unlock()
}

func (db *DB) validatePageNum(pageNum uint64) error {
	if pageNum >= db.numberOfPages {
		return newErr(KindInvalidArgument, "page %d out of range [0, %d)", pageNum, db.numberOfPages)
	}
	return nil
}

func (db *DB) mappingSlice(pageNum, runPages uint64) ([]byte, error) {
	start := pageNum * PageSize
	end := start + runPages*PageSize
	if end > uint64(len(db.mapping)) {
		return nil, newErr(KindInvalidArgument, "run [%d,%d) exceeds mapped extent %d", start, end, len(db.mapping))
	}
	return db.mapping[start:end], nil
}
