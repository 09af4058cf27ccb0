package ps2mc

import (
	"io"
	"time"

	"github.com/dsoprea/go-logging"
)

// FormatParams controls Format's card geometry and options. The zero
// value (after defaulting in Format) describes a standard 8MB card.
type FormatParams struct {
	// Pages is the total page count of the card. Defaults to
	// StandardPagesPerCard.
	Pages uint32

	// NoECC, when true, formats the image without an ECC trailer on each
	// page -- used for memory card images pulled by tools that already
	// stripped the spare area.
	NoECC bool

	// BadBlocks lists erase block numbers to pre-mark bad, mainly for
	// testing the bad-block remap path without a real marginal card.
	BadBlocks []uint32

	// Clock supplies the format timestamp stamped into the root
	// directory's "." entry; nil uses time.Now.
	Clock func() time.Time
}

// defaultedParams fills in zero fields of p with the standard card's
// values.
func defaultedParams(p FormatParams) FormatParams {
	if p.Pages == 0 {
		p.Pages = StandardPagesPerCard
	}

	return p
}

// Format writes a fresh MCFS image to backing: a blank superblock,
// enough IFC and FAT clusters to cover every allocatable cluster (all
// initially free), and a root directory containing only "." and "..".
// Grounded on the shape of the teacher's own boot-sector-centric
// ExfatReader construction, generalized from "parse an existing boot
// sector" to "synthesize one from scratch".
func Format(backing io.ReadWriteSeeker, params FormatParams) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	params = defaultedParams(params)

	geometry := PageGeometry{PageSize: StandardPageSize, SpareSize: StandardSpareSize, ECC: !params.NoECC}
	pages := NewPageStore(backing, geometry, false)

	pagesPerBlock := uint32(StandardPagesPerEraseBlock)
	nBlocks := params.Pages / pagesPerBlock

	for b := uint32(0); b < nBlocks; b++ {
		if eraseErr := pages.EraseBlock(b*pagesPerBlock, pagesPerBlock); eraseErr != nil {
			log.Panic(eraseErr)
		}
	}

	for _, bad := range params.BadBlocks {
		if markErr := pages.MarkBlockBad(bad*pagesPerBlock, pagesPerBlock); markErr != nil {
			log.Panic(markErr)
		}
	}

	// Reserve the last two erase blocks as the backup pair and keep
	// them out of the allocatable range, matching the card's own
	// practice of never handing out its spares as ordinary data space.
	backup2 := nBlocks - 1
	backup1 := nBlocks - 2

	clusterGeometry := ClusterGeometry{PagesPerCluster: StandardPagesPerCluster, PagesPerEraseBlock: pagesPerBlock}

	clusters, clusterErr := NewClusterStore(pages, clusterGeometry, params.BadBlocks, []uint32{backup1, backup2})
	if clusterErr != nil {
		log.Panic(clusterErr)
	}

	totalClusters := (backup1 * pagesPerBlock) / clusterGeometry.PagesPerCluster

	entriesPerCluster := ClusterSize / 4
	nFatClusters := ceilDiv(totalClusters, uint32(entriesPerCluster))

	// Layout, in absolute cluster numbers: cluster 0 holds the
	// superblock, cluster 1 its backup copy, cluster 2 the (sole) IFC
	// cluster, then nFatClusters FAT clusters. Everything from there on
	// is the allocatable range the FAT itself manages, including the
	// root directory's first cluster -- root is an ordinary allocated
	// chain, not a fixed reserved cluster, the same way a FAT32 volume's
	// root directory works.
	sbCluster := uint32(0)
	sbBackupCluster := sbCluster + 1
	ifcCluster := sbBackupCluster + 1
	fatClustersStart := ifcCluster + 1

	allocOffset := fatClustersStart + nFatClusters
	allocEnd := totalClusters
	rootCluster := allocOffset

	sb := &Superblock{
		PageSize:        uint16(geometry.PageSize),
		PagesPerCluster: uint16(clusterGeometry.PagesPerCluster),
		PagesPerBlock:   uint16(pagesPerBlock),
		ClustersPerCard: totalClusters,
		AllocOffset:     allocOffset,
		AllocEnd:        allocEnd,
		RootdirCluster:  rootCluster,
		BackupBlock1:    backup1,
		BackupBlock2:    backup2,
	}
	copy(sb.Magic[:], []byte(SuperblockMagic))
	copy(sb.Version[:], []byte("1.2.0.0"))
	sb.IfcList[0] = ifcCluster

	for i, bad := range params.BadBlocks {
		if i >= len(sb.BadBlockList) {
			log.Panic(newError(InvalidArgKind, "too many bad blocks for the superblock's bad-block list"))
		}

		sb.BadBlockList[i] = bad
	}

	ifcData := make([]byte, clusters.ClusterSize())
	for i := uint32(0); i < nFatClusters; i++ {
		defaultByteOrder.PutUint32(ifcData[i*4:i*4+4], fatClustersStart+i)
	}

	if writeErr := clusters.WriteCluster(ifcCluster, ifcData); writeErr != nil {
		log.Panic(writeErr)
	}

	blankFat := make([]byte, clusters.ClusterSize())
	for i := uint32(0); i < nFatClusters; i++ {
		if writeErr := clusters.WriteCluster(fatClustersStart+i, blankFat); writeErr != nil {
			log.Panic(writeErr)
		}
	}

	fat, fatErr := OpenFat(clusters, sb, allocEnd-allocOffset)
	if fatErr != nil {
		log.Panic(fatErr)
	}

	if setErr := fat.Set(rootCluster, FatTerminator|FatEntryAllocatedBit); setErr != nil {
		log.Panic(setErr)
	}

	if flushErr := fat.Flush(); flushErr != nil {
		log.Panic(flushErr)
	}

	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}

	// The root cluster has only been erased so far, and an erased page's
	// 0xFF ECC bytes don't verify, so zero it before adding entries.
	if writeErr := clusters.WriteCluster(rootCluster, make([]byte, clusters.ClusterSize())); writeErr != nil {
		log.Panic(writeErr)
	}

	rootDir := NewDirectory(fat, clusters, rootCluster, allocEnd-allocOffset)

	dot := &DirEntry{Mode: ModeDir | ModeExists | ModeRead | ModeWrite, Cluster: rootCluster, Created: TodFromTime(clock())}
	dot.SetName(".")

	dotdot := &DirEntry{Mode: ModeDir | ModeExists | ModeRead | ModeWrite, Cluster: rootCluster, Created: TodFromTime(clock())}
	dotdot.SetName("..")

	if _, addErr := rootDir.AddEntry(dot); addErr != nil {
		log.Panic(addErr)
	}

	if _, addErr := rootDir.AddEntry(dotdot); addErr != nil {
		log.Panic(addErr)
	}

	sbBuf, encodeErr := sb.Encode()
	if encodeErr != nil {
		log.Panic(encodeErr)
	}

	sbBlock := make([]byte, clusters.ClusterSize())
	copy(sbBlock, sbBuf)

	if writeErr := clusters.WriteCluster(sbCluster, sbBlock); writeErr != nil {
		log.Panic(writeErr)
	}

	// The backup copy is written identically into cluster 1 so a
	// superblock-damaged image can still be recovered.
	if writeErr := clusters.WriteCluster(sbBackupCluster, sbBlock); writeErr != nil {
		log.Panic(writeErr)
	}

	return nil
}
