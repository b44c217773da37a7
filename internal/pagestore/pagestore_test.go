package pagestore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pgstore")
	db, err := Open(path, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestBootstrap_HeaderFields(t *testing.T) {
	db := openTestDB(t)
	require.EqualValues(t, DefaultInitialSize/PageSize, db.NumberOfPages())
	require.EqualValues(t, DefaultPagesPerMetadataSection, db.PagesPerMetadataSection())
	require.False(t, db.Inconsistent())
}

func TestBootstrap_MarksBootstrapPagesBusy(t *testing.T) {
	db := openTestDB(t)
	requireInvariant1And2(t, db)

	txn, err := db.CreateTransaction(false)
	require.NoError(t, err)
	defer txn.Close()

	// Page 0, the lone bitmap page, and the lone metadata page must
	// all be single|metadata and busy.
	for _, p := range []uint64{0, 1, db.NumberOfPages() - 1} {
		meta, err := txn.getPageMetadata(p)
		require.NoError(t, err)
		require.Equal(t, FlagSingle|FlagMetadata, meta.Flags)
	}
}

func TestReopen_VerifiesHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.pgstore")
	db, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db2, err := Open(path, Options{})
	require.NoError(t, err)
	defer db2.Close()
	require.EqualValues(t, DefaultInitialSize/PageSize, db2.NumberOfPages())
}

func TestReopen_RejectsCorruptHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.pgstore")
	db, err := Open(path, Options{})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Corrupt the magic bytes directly on disk.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] = 'X'
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = Open(path, Options{})
	require.Error(t, err)
	require.True(t, IsKind(err, KindCorruption))
}

// S5 — overflow round-trip: allocate a 12288-byte value (2 pages),
// write a byte-exact pattern, commit, reopen, and read it back.
func TestS5_OverflowRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s5.pgstore")
	db, err := Open(path, Options{})
	require.NoError(t, err)

	pattern := make([]byte, 12288)
	for i := range pattern {
		pattern[i] = byte(i % 251)
	}

	txn, err := db.CreateTransaction(true)
	require.NoError(t, err)
	page, err := txn.AllocatePage(12288, 0)
	require.NoError(t, err)
	require.EqualValues(t, 12288, page.OverflowSize)
	copy(page.Address, pattern)
	require.NoError(t, txn.Commit())
	require.NoError(t, txn.Close())
	require.NoError(t, db.Close())

	db2, err := Open(path, Options{})
	require.NoError(t, err)
	defer db2.Close()

	rtxn, err := db2.CreateTransaction(false)
	require.NoError(t, err)
	defer rtxn.Close()

	got, err := rtxn.GetPage(page.PageNum)
	require.NoError(t, err)
	require.EqualValues(t, 12288, got.OverflowSize)
	require.True(t, bytes.Equal(pattern, got.Address[:12288]))
}

func TestAllocateFree_RestoresByteState(t *testing.T) {
	db := openTestDB(t)

	before := snapshotBitmapAndMetadata(t, db)

	txn, err := db.CreateTransaction(true)
	require.NoError(t, err)
	page, err := txn.AllocatePage(100, 0)
	require.NoError(t, err)
	require.NoError(t, txn.FreePage(page.PageNum))
	require.NoError(t, txn.Commit())
	require.NoError(t, txn.Close())

	after := snapshotBitmapAndMetadata(t, db)
	require.Equal(t, before, after)
}

func TestModifyPage_TwiceReturnsSameAddress(t *testing.T) {
	db := openTestDB(t)

	txn, err := db.CreateTransaction(true)
	require.NoError(t, err)
	defer txn.Close()

	page, err := txn.AllocatePage(1, 0)
	require.NoError(t, err)

	p1, err := txn.ModifyPage(page.PageNum)
	require.NoError(t, err)
	p2, err := txn.ModifyPage(page.PageNum)
	require.NoError(t, err)
	require.Same(t, &p1.Address[0], &p2.Address[0])
}

func TestOpen_ReusesExistingSizeOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noresize.pgstore")
	db, err := Open(path, Options{InitialSize: 256 * 1024})
	require.NoError(t, err)
	wantPages := db.NumberOfPages()
	require.NoError(t, db.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	sizeBefore := info.Size()

	db2, err := Open(path, Options{})
	require.NoError(t, err)
	defer db2.Close()

	info2, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, sizeBefore, info2.Size())
	require.Equal(t, wantPages, db2.NumberOfPages())
}

func TestOverflowBoundaries(t *testing.T) {
	cases := []struct {
		name         string
		overflowSize uint32
		wantPages    uint64
	}{
		{"zero", 0, 1},
		{"one", 1, 1},
		{"exactly_one_page", 8192, 1},
		{"one_byte_over", 8193, 2},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			db := openTestDB(t)
			txn, err := db.CreateTransaction(true)
			require.NoError(t, err)
			defer txn.Close()

			page, err := txn.AllocatePage(c.overflowSize, 0)
			require.NoError(t, err)
			require.EqualValues(t, c.wantPages*PageSize, len(page.Address))

			if c.wantPages == 2 {
				second, err := txn.GetPage(page.PageNum + 1)
				require.NoError(t, err)
				require.EqualValues(t, c.overflowSize-PageSize, second.OverflowSize)
			}
		})
	}
}

func TestFreePage_RejectsOverflowRest(t *testing.T) {
	db := openTestDB(t)
	txn, err := db.CreateTransaction(true)
	require.NoError(t, err)
	defer txn.Close()

	page, err := txn.AllocatePage(12288, 0)
	require.NoError(t, err)

	err = txn.FreePage(page.PageNum + 1)
	require.Error(t, err)
	require.True(t, IsKind(err, KindInvalidState))
}

func TestFreePage_IsIdempotent(t *testing.T) {
	db := openTestDB(t)
	txn, err := db.CreateTransaction(true)
	require.NoError(t, err)
	defer txn.Close()

	page, err := txn.AllocatePage(1, 0)
	require.NoError(t, err)
	require.NoError(t, txn.FreePage(page.PageNum))
	require.NoError(t, txn.FreePage(page.PageNum))
}

func TestAllocatePage_NoSpace(t *testing.T) {
	db := openTestDB(t)
	txn, err := db.CreateTransaction(true)
	require.NoError(t, err)
	defer txn.Close()

	var allocated []uint64
	for {
		page, err := txn.AllocatePage(1, 0)
		if err != nil {
			require.True(t, IsKind(err, KindNoSpace))
			break
		}
		allocated = append(allocated, page.PageNum)
		if len(allocated) > int(db.NumberOfPages()) {
			t.Fatal("allocation never reported no-space")
		}
	}
	require.NotEmpty(t, allocated)
}

func TestAllocatePage_PrefersLowestFreeNearHint(t *testing.T) {
	db := openTestDB(t)
	txn, err := db.CreateTransaction(true)
	require.NoError(t, err)
	defer txn.Close()

	page, err := txn.AllocatePage(1, 0)
	require.NoError(t, err)
	// The first free page in a freshly bootstrapped 16-page file (with
	// page 0, bitmap page 1, and metadata page 15 busy) is page 2.
	require.EqualValues(t, 2, page.PageNum)
}

// TestBootstrap_MarksEveryRangesMetadataSectionBusy is a regression
// test for a bug where only the final metadata section range was
// marked busy at bootstrap: with a small pagesPerMetadataSection and
// a file spanning several ranges, every range's own trailing metadata
// page(s) must be busy, not just the last range's.
func TestBootstrap_MarksEveryRangesMetadataSectionBusy(t *testing.T) {
	const s = 4
	const totalPages = 40

	path := filepath.Join(t.TempDir(), "multirange.pgstore")
	db, err := Open(path, Options{InitialSize: totalPages * PageSize, PagesPerMetadataSection: s})
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, uint64(s), db.PagesPerMetadataSection())

	starts := SectionRangesUpTo(totalPages, s)
	require.Len(t, starts, totalPages/s)

	txn, err := db.CreateTransaction(false)
	require.NoError(t, err)
	defer txn.Close()

	wantMetadataPages := map[uint64]bool{}
	for _, start := range starts {
		rangeEnd := start + s
		metaPages := MetadataSectionPages(s)
		for m := rangeEnd - metaPages; m < rangeEnd; m++ {
			wantMetadataPages[m] = true

			meta, err := txn.getPageMetadata(m)
			require.NoError(t, err)
			require.NotZero(t, meta.Flags&FlagMetadata, "range starting at %d: page %d must be flagged metadata", start, m)
		}
	}
	// Every range beyond the first contributes its own metadata page;
	// the old trailing-only logic would only have flagged the last one.
	require.Greater(t, len(wantMetadataPages), int(MetadataSectionPages(s)))

	// No metadata page may ever be handed out as ordinary payload.
	for {
		atxn, err := db.CreateTransaction(true)
		require.NoError(t, err)
		page, err := atxn.AllocatePage(1, 0)
		if err != nil {
			require.True(t, IsKind(err, KindNoSpace))
			atxn.Close()
			break
		}
		require.False(t, wantMetadataPages[page.PageNum], "allocator handed out reserved metadata page %d", page.PageNum)
		require.NoError(t, atxn.Commit())
		require.NoError(t, atxn.Close())
	}
}

func TestInvariant_BitmapMatchesMetadataFlags(t *testing.T) {
	db := openTestDB(t)

	txn, err := db.CreateTransaction(true)
	require.NoError(t, err)
	_, err = txn.AllocatePage(12288, 0)
	require.NoError(t, err)
	_, err = txn.AllocatePage(1, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	require.NoError(t, txn.Close())

	requireInvariant1And2(t, db)
}

// requireInvariant1And2 checks spec §8 invariants 1 and 2 across the
// whole file: bitmap_bit(p) set iff metadata(p).flags != free, and
// overflow runs are contiguous and correctly flagged.
func requireInvariant1And2(t *testing.T, db *DB) {
	t.Helper()
	txn, err := db.CreateTransaction(false)
	require.NoError(t, err)
	defer txn.Close()

	words, err := readBitmapWords(txn)
	require.NoError(t, err)

	for p := uint64(0); p < db.NumberOfPages(); p++ {
		meta, err := txn.getPageMetadata(p)
		require.NoError(t, err)
		busy := meta.Flags != FlagFree
		require.Equal(t, busy, testBit(words, p), "page %d", p)

		if meta.Flags == FlagOverflowFirst {
			runLen := pagesForOverflow(meta.OverflowSize)
			for b := p; b < p+runLen; b++ {
				bm, err := txn.getPageMetadata(b)
				require.NoError(t, err)
				require.Contains(t, []uint8{FlagOverflowFirst, FlagOverflowRest}, bm.Flags)
				require.True(t, testBit(words, b))
			}
			if p+runLen < db.NumberOfPages() {
				after, err := txn.getPageMetadata(p + runLen)
				require.NoError(t, err)
				require.NotEqual(t, FlagOverflowRest, after.Flags)
			}
		}
	}
}

func testBit(words []uint64, i uint64) bool {
	return words[i/64]&(1<<(i%64)) != 0
}

func snapshotBitmapAndMetadata(t *testing.T, db *DB) []byte {
	t.Helper()
	txn, err := db.CreateTransaction(false)
	require.NoError(t, err)
	defer txn.Close()

	var out []byte
	k := bitmapPageCount(db.numberOfPages)
	for p := uint64(1); p <= k; p++ {
		data, err := txn.readPageBytes(p, 1)
		require.NoError(t, err)
		out = append(out, data...)
	}
	for p := uint64(0); p < db.NumberOfPages(); p++ {
		metaPage, idx := MetadataPageOffset(db.numberOfPages, p, db.pagesPerMetadataSection)
		data, err := txn.readPageBytes(metaPage, 1)
		require.NoError(t, err)
		off := idx * metadataRecordSize
		out = append(out, data[off:off+metadataRecordSize]...)
	}
	return out
}
