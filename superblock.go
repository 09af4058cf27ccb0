package ps2mc

import (
	"bytes"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// SuperblockMagic is the fixed 28-byte string every valid image starts
// with.
const SuperblockMagic = "Sony PS2 Memory Card Format "

// ifcListLen is the number of indirect-FAT-cluster slots the superblock
// carries. Only as many as are needed for the card's cluster count are
// used; the rest stay zero.
const ifcListLen = 32

// badBlockListLen is the number of bad-erase-block slots the superblock
// carries.
const badBlockListLen = 32

// Superblock is the 340-byte header found in cluster 0 of every image. It
// records the card's geometry and the handful of pointers (root directory
// cluster, IFC list, bad block list, backup blocks) needed to bootstrap
// the FAT and directory layers.
type Superblock struct {
	Magic            [28]byte
	Version          [12]byte
	PageSize         uint16
	PagesPerCluster  uint16
	PagesPerBlock    uint16
	_                uint16 // padding, always 0xFFFF on real cards
	ClustersPerCard  uint32
	AllocOffset      uint32 // absolute cluster number of the first allocatable cluster
	AllocEnd         uint32 // absolute cluster number one past the last allocatable cluster
	RootdirCluster   uint32 // absolute cluster number of the root directory's first cluster
	BackupBlock1     uint32
	BackupBlock2     uint32
	_                [8]byte
	IfcList          [ifcListLen]uint32
	BadBlockList     [badBlockListLen]uint32
	CardType         uint8
	CardFlags        uint8
	_                uint16
}

// DecodeSuperblock parses a Superblock out of the first SuperblockSize
// bytes of buf.
func DecodeSuperblock(buf []byte) (sb *Superblock, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(buf) < SuperblockSize {
		log.Panic(newError(FsCorruptKind, "superblock buffer too short: %d bytes", len(buf)))
	}

	sb = &Superblock{}
	if unpackErr := restruct.Unpack(buf[:SuperblockSize], defaultByteOrder, sb); unpackErr != nil {
		log.Panic(wrapError(FsCorruptKind, "", unpackErr))
	}

	if !bytes.Equal(sb.Magic[:], []byte(SuperblockMagic)) {
		log.Panic(newError(FsCorruptKind, "bad superblock magic"))
	}

	return sb, nil
}

// Encode packs sb back into its on-disk 340-byte representation.
func (sb *Superblock) Encode() (buf []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	buf, packErr := restruct.Pack(defaultByteOrder, sb)
	if packErr != nil {
		log.Panic(wrapError(IoErrorKind, "", packErr))
	}

	return buf, nil
}

// BadBlocks returns the superblock's bad-block list without its unused
// slots (those holding 0 or 0xFFFFFFFF). A card with no bad blocks
// returns an empty slice.
func (sb *Superblock) BadBlocks() []uint32 {
	out := make([]uint32, 0, badBlockListLen)
	for _, v := range sb.BadBlockList {
		if v == 0 || v == 0xffffffff {
			continue
		}

		out = append(out, v)
	}

	return out
}

// IfcEntries returns the superblock's IFC list trimmed to nIfc entries,
// where nIfc is however many the FAT layer determines it needs for the
// card's cluster count.
func (sb *Superblock) IfcEntries(nIfc int) []uint32 {
	if nIfc > len(sb.IfcList) {
		nIfc = len(sb.IfcList)
	}

	return sb.IfcList[:nIfc]
}

// PageGeometry derives a PageGeometry from the superblock's own fields,
// assuming the standard 16-byte spare (images formatted with NoECC are
// recognized separately, by their backing file's size not matching the
// page-size * page-count * (page-size+spare) arithmetic).
func (sb *Superblock) PageGeometry(ecc bool) PageGeometry {
	return PageGeometry{
		PageSize:  uint32(sb.PageSize),
		SpareSize: StandardSpareSize,
		ECC:       ecc,
	}
}

// ClusterGeometry derives a ClusterGeometry from the superblock's fields.
func (sb *Superblock) ClusterGeometry() ClusterGeometry {
	return ClusterGeometry{
		PagesPerCluster:    uint32(sb.PagesPerCluster),
		PagesPerEraseBlock: uint32(sb.PagesPerBlock),
	}
}
