package pagestore

import "encoding/binary"

// PageSize is the fixed size of every page in the file, including
// page 0 (the header), bitmap pages, and metadata pages.
const PageSize = 8192

// metadataRecordSize is the on-disk size of one packed page_metadata
// record: overflow_size (u32) + flags (u8) + 3 bytes padding + 8
// bytes reserved = 16 bytes.
const metadataRecordSize = 16

// recordsPerPage is how many 16-byte metadata records fit in a page.
const recordsPerPage = PageSize / metadataRecordSize

// Flag bits for a page_metadata record.
const (
	FlagFree          uint8 = 0
	FlagSingle        uint8 = 1
	FlagOverflowFirst uint8 = 2
	FlagOverflowRest  uint8 = 4
	FlagMetadata      uint8 = 8
)

// DefaultPagesPerMetadataSection is S, the number of consecutive
// pages whose metadata is packed into the trailing pages of that
// range: 2^20 pages = 8 GiB of payload per range.
const DefaultPagesPerMetadataSection = 1 << 20

// PageMetadata is the decoded form of one 16-byte on-disk record.
type PageMetadata struct {
	OverflowSize uint32
	Flags        uint8
}

// Encode writes m's on-disk representation into buf, which must be
// at least metadataRecordSize bytes.
func (m PageMetadata) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], m.OverflowSize)
	buf[4] = m.Flags
	buf[5] = 0
	buf[6] = 0
	buf[7] = 0
	for i := 8; i < metadataRecordSize; i++ {
		buf[i] = 0
	}
}

// DecodePageMetadata reads a PageMetadata from a metadataRecordSize
// byte slice.
func DecodePageMetadata(buf []byte) PageMetadata {
	return PageMetadata{
		OverflowSize: binary.LittleEndian.Uint32(buf[0:4]),
		Flags:        buf[4],
	}
}

// ceilDiv computes ceil(a/b) for positive integers.
func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// MetadataSectionPages returns how many trailing pages a metadata
// section needs to describe rangePages pages.
func MetadataSectionPages(rangePages uint64) uint64 {
	return ceilDiv(rangePages*metadataRecordSize, PageSize)
}

// MetadataPageOffset computes, in O(1), which page stores the
// metadata record for pageNum and the record's index within that
// page, given totalPages pages in the file and a
// pagesPerMetadataSection section size S. This is spec.md §4.D's
// lookup algorithm, transcribed directly.
func MetadataPageOffset(totalPages, pageNum, pagesPerMetadataSection uint64) (metadataPage uint64, indexInPage int) {
	s := pagesPerMetadataSection
	rangeEnd := (pageNum/s + 1) * s

	var sectionStartPage uint64
	var indexWithinSection uint64

	if rangeEnd <= totalPages {
		sectionBytes := s * metadataRecordSize
		sectionStartPage = rangeEnd - ceilDiv(sectionBytes, PageSize)
		indexWithinSection = pageNum % s
	} else {
		remainder := totalPages % s
		sectionBytes := remainder * metadataRecordSize
		sectionStartPage = totalPages - ceilDiv(sectionBytes, PageSize)
		indexWithinSection = pageNum % s
	}

	metadataPage = sectionStartPage + indexWithinSection/recordsPerPage
	indexInPage = int(indexWithinSection % recordsPerPage)
	return metadataPage, indexInPage
}

// SectionRangesUpTo yields the start page of every metadata-section
// range present in a file of totalPages pages (used by bootstrap to
// mark every range's metadata pages busy).
func SectionRangesUpTo(totalPages, pagesPerMetadataSection uint64) []uint64 {
	if totalPages == 0 {
		return nil
	}
	s := pagesPerMetadataSection
	var starts []uint64
	for start := uint64(0); start < totalPages; start += s {
		starts = append(starts, start)
	}
	return starts
}
