package ps2mc

import (
	"io"

	"github.com/dsoprea/go-logging"
)

// PageGeometry describes the fixed per-page layout of an image: how many
// data bytes and how many spare bytes each page has, and whether the spare
// area carries an ECC trailer at all (images created with NoECC omit it).
type PageGeometry struct {
	PageSize  uint32
	SpareSize uint32
	ECC       bool
}

// eccSubChunks is how many 128-byte sub-chunks a standard 512-byte page
// data area is divided into for ECC purposes.
func (g PageGeometry) eccSubChunks() int {
	return int(g.PageSize) / eccChunkSize
}

// eccBytes is how many spare bytes the ECC trailer occupies.
func (g PageGeometry) eccBytes() uint32 {
	return uint32(g.eccSubChunks() * eccCodeSize)
}

// badBlockMarkerOffset is the offset, within the spare area, of the
// bad-block marker byte -- the first byte following the ECC trailer.
func (g PageGeometry) badBlockMarkerOffset() uint32 {
	return g.eccBytes()
}

// pageStride is the number of backing-file bytes one page (data + spare)
// occupies.
func (g PageGeometry) pageStride() int64 {
	stride := int64(g.PageSize)
	if g.ECC {
		stride += int64(g.SpareSize)
	}

	return stride
}

// badBlockMarkerGood is the byte value that marks an erase block as good.
const badBlockMarkerGood = 0xff

// PageStore reads and writes individual pages of the backing image,
// transparently applying and verifying per-page ECC. It has no notion of
// clusters or bad-block remapping -- that's ClusterStore's job.
type PageStore struct {
	rws       io.ReadWriteSeeker
	geometry  PageGeometry
	ignoreECC bool

	// CorrectionCount is incremented every time a single-bit ECC error is
	// transparently corrected on read (spec.md §4.1's "error counter").
	CorrectionCount int
}

// NewPageStore returns a PageStore over the given backing store.
func NewPageStore(rws io.ReadWriteSeeker, geometry PageGeometry, ignoreECC bool) *PageStore {
	return &PageStore{
		rws:       rws,
		geometry:  geometry,
		ignoreECC: ignoreECC,
	}
}

func (ps *PageStore) offset(pageNumber uint32) int64 {
	return int64(pageNumber) * ps.geometry.pageStride()
}

// ReadPage reads page n, transparently correcting single-bit ECC errors.
// On an uncorrectable error it returns *Error{Kind: EccErrorKind} unless
// the store was built with ignoreECC, in which case the raw (uncorrected)
// data is returned.
func (ps *PageStore) ReadPage(n uint32) (data []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if _, err := ps.rws.Seek(ps.offset(n), io.SeekStart); err != nil {
		log.Panic(wrapError(IoErrorKind, "", err))
	}

	data = make([]byte, ps.geometry.PageSize)
	if _, err := io.ReadFull(ps.rws, data); err != nil {
		log.Panic(wrapError(IoErrorKind, "", err))
	}

	if !ps.geometry.ECC {
		return data, nil
	}

	spare := make([]byte, ps.geometry.SpareSize)
	if _, err := io.ReadFull(ps.rws, spare); err != nil {
		log.Panic(wrapError(IoErrorKind, "", err))
	}

	subChunks := ps.geometry.eccSubChunks()
	for i := 0; i < subChunks; i++ {
		chunk := data[i*eccChunkSize : (i+1)*eccChunkSize]

		var code [eccCodeSize]byte
		copy(code[:], spare[i*eccCodeSize:(i+1)*eccCodeSize])

		corrected, _, eccErr := EccCorrect(chunk, code)
		if eccErr != nil {
			if ps.ignoreECC {
				continue
			}

			log.Panic(withPath(eccErr, ""))
		}

		if corrected {
			ps.CorrectionCount++
		}
	}

	return data, nil
}

// WritePage writes data to page n, computing and storing a fresh ECC
// trailer and preserving the existing bad-block marker byte.
func (ps *PageStore) WritePage(n uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if uint32(len(data)) != ps.geometry.PageSize {
		log.Panicf("page data must be exactly %d bytes, got %d", ps.geometry.PageSize, len(data))
	}

	if _, err := ps.rws.Seek(ps.offset(n), io.SeekStart); err != nil {
		log.Panic(wrapError(IoErrorKind, "", err))
	}

	if _, err := ps.rws.Write(data); err != nil {
		log.Panic(wrapError(IoErrorKind, "", err))
	}

	if !ps.geometry.ECC {
		return nil
	}

	marker, err := ps.readMarker(n)
	log.PanicIf(err)

	spare := make([]byte, ps.geometry.SpareSize)

	subChunks := ps.geometry.eccSubChunks()
	for i := 0; i < subChunks; i++ {
		chunk := data[i*eccChunkSize : (i+1)*eccChunkSize]
		code := EccCompute(chunk)
		copy(spare[i*eccCodeSize:(i+1)*eccCodeSize], code[:])
	}

	markerOffset := ps.geometry.badBlockMarkerOffset()
	for i := markerOffset; i < ps.geometry.SpareSize; i++ {
		spare[i] = marker
	}

	// readMarker moved the position; the spare area starts right after
	// the page data.
	if _, err := ps.rws.Seek(ps.offset(n)+int64(ps.geometry.PageSize), io.SeekStart); err != nil {
		log.Panic(wrapError(IoErrorKind, "", err))
	}

	if _, err := ps.rws.Write(spare); err != nil {
		log.Panic(wrapError(IoErrorKind, "", err))
	}

	return nil
}

// readMarker returns the bad-block marker byte currently stored for the
// erase block containing page n (all pages of a block share one marker
// value; EraseBlock always writes all of them the same).
func (ps *PageStore) readMarker(n uint32) (marker byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if !ps.geometry.ECC {
		return badBlockMarkerGood, nil
	}

	markerOffset := ps.offset(n) + int64(ps.geometry.PageSize) + int64(ps.geometry.badBlockMarkerOffset())

	if _, err := ps.rws.Seek(markerOffset, io.SeekStart); err != nil {
		log.Panic(wrapError(IoErrorKind, "", err))
	}

	buf := make([]byte, 1)
	if _, err := io.ReadFull(ps.rws, buf); err != nil {
		log.Panic(wrapError(IoErrorKind, "", err))
	}

	return buf[0], nil
}

// IsBlockBad reports whether the erase block containing page n is marked
// bad (anything other than the "good" marker value).
func (ps *PageStore) IsBlockBad(n uint32) (bool, error) {
	marker, err := ps.readMarker(n)
	if err != nil {
		return false, err
	}

	return marker != badBlockMarkerGood, nil
}

// MarkBlockBad stamps every page of the erase block starting at
// blockFirstPage with a non-0xFF bad-block marker, without touching their
// data or ECC.
func (ps *PageStore) MarkBlockBad(blockFirstPage, pagesPerBlock uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if !ps.geometry.ECC {
		return nil
	}

	for p := blockFirstPage; p < blockFirstPage+pagesPerBlock; p++ {
		markerOffset := ps.offset(p) + int64(ps.geometry.PageSize) + int64(ps.geometry.badBlockMarkerOffset())

		if _, err := ps.rws.Seek(markerOffset, io.SeekStart); err != nil {
			log.Panic(wrapError(IoErrorKind, "", err))
		}

		fill := make([]byte, ps.geometry.SpareSize-ps.geometry.badBlockMarkerOffset())
		for i := range fill {
			fill[i] = 0x00
		}

		if _, err := ps.rws.Write(fill); err != nil {
			log.Panic(wrapError(IoErrorKind, "", err))
		}
	}

	return nil
}

// EraseBlock writes 0xFF across every page of the erase block starting at
// blockFirstPage, including the data and ECC areas -- this is how Format
// initializes the card and is the only way to clear a bad-block marker.
func (ps *PageStore) EraseBlock(blockFirstPage, pagesPerBlock uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	blank := make([]byte, ps.geometry.PageSize)
	for i := range blank {
		blank[i] = 0xff
	}

	var blankSpare []byte
	if ps.geometry.ECC {
		blankSpare = make([]byte, ps.geometry.SpareSize)
		for i := range blankSpare {
			blankSpare[i] = 0xff
		}
	}

	for p := blockFirstPage; p < blockFirstPage+pagesPerBlock; p++ {
		if _, err := ps.rws.Seek(ps.offset(p), io.SeekStart); err != nil {
			log.Panic(wrapError(IoErrorKind, "", err))
		}

		if _, err := ps.rws.Write(blank); err != nil {
			log.Panic(wrapError(IoErrorKind, "", err))
		}

		if ps.geometry.ECC {
			if _, err := ps.rws.Write(blankSpare); err != nil {
				log.Panic(wrapError(IoErrorKind, "", err))
			}
		}
	}

	return nil
}

// Geometry returns the page geometry this store was built with.
func (ps *PageStore) Geometry() PageGeometry {
	return ps.geometry
}
