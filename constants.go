package ps2mc

import (
	"encoding/binary"
)

// defaultByteOrder is the byte order every on-disk structure in this
// package uses. The card's own firmware is little-endian throughout.
var defaultByteOrder = binary.LittleEndian

// Geometry constants for a standard PS2 memory card, per spec.md §3.
const (
	// StandardPageSize is the data portion of one flash page.
	StandardPageSize = 512

	// StandardSpareSize is the out-of-band spare area attached to each
	// page, carrying the ECC trailer and the bad-block marker.
	StandardSpareSize = 16

	// StandardPagesPerEraseBlock is the number of pages grouped into one
	// erasable unit.
	StandardPagesPerEraseBlock = 16

	// ClusterSize is the number of data bytes in one cluster, the unit
	// the FAT and directory layers allocate in.
	ClusterSize = 1024

	// StandardPagesPerCluster is ClusterSize / StandardPageSize.
	StandardPagesPerCluster = ClusterSize / StandardPageSize

	// StandardPagesPerCard is the total page count of an 8MB standard
	// card image.
	StandardPagesPerCard = 16384

	// SuperblockSize is the fixed byte length of the Superblock
	// structure found in cluster 0.
	SuperblockSize = 340

	// DirEntrySize is the fixed byte length of one directory entry.
	DirEntrySize = 512
)

// FAT entry encoding, per spec.md §3: the high bit marks a cluster as
// allocated, the low 31 bits are either the next cluster in the chain or
// the terminator value.
const (
	// FatEntryAllocatedBit, when set, marks a FAT slot as belonging to an
	// allocated chain.
	FatEntryAllocatedBit uint32 = 1 << 31

	// FatTerminator is the low-31-bit value stored in the last entry of
	// an allocated chain.
	FatTerminator uint32 = 0x7fffffff

	// FatFree is the raw value of an unallocated FAT slot.
	FatFree uint32 = 0
)
