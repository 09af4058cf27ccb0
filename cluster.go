package ps2mc

import (
	"github.com/dsoprea/go-logging"
)

// ClusterGeometry describes how clusters map onto the page/erase-block grid
// of a card, independent of any particular image's superblock contents.
type ClusterGeometry struct {
	PagesPerCluster    uint32
	PagesPerEraseBlock uint32
}

// clusterStride is the number of pages one cluster spans.
func (g ClusterGeometry) clusterStride() uint32 {
	return g.PagesPerCluster
}

// ClusterStore maps cluster numbers onto physical pages, transparently
// substituting one of up to two backup erase blocks for any erase block
// that the superblock's bad-block list marks bad. This mirrors the
// card's own wear-leveling fallback: a handful of spare blocks near the
// end of the card stand in for blocks that failed in the factory.
type ClusterStore struct {
	pages    *PageStore
	geometry ClusterGeometry

	// badBlocks is the set of erase block numbers the superblock marked
	// bad, each mapped to the backup erase block substituted for it.
	badBlocks map[uint32]uint32
}

// NewClusterStore builds a ClusterStore. badBlockList is the superblock's
// list of bad erase block numbers; backupBlocks is, in order, the erase
// blocks reserved to stand in for them (spec.md's good_block1/good_block2
// -- the design generalizes to however many the superblock lists, though
// standard cards carry exactly two).
func NewClusterStore(pages *PageStore, geometry ClusterGeometry, badBlockList []uint32, backupBlocks []uint32) (*ClusterStore, error) {
	if len(backupBlocks) < len(badBlockList) {
		return nil, newError(FsCorruptKind, "not enough backup erase blocks (%d) for bad block list (%d)", len(backupBlocks), len(badBlockList))
	}

	badBlocks := make(map[uint32]uint32, len(badBlockList))
	for i, bad := range badBlockList {
		badBlocks[bad] = backupBlocks[i]
	}

	return &ClusterStore{
		pages:     pages,
		geometry:  geometry,
		badBlocks: badBlocks,
	}, nil
}

// eraseBlockOf returns the erase block number that page p belongs to.
func (cs *ClusterStore) eraseBlockOf(p uint32) uint32 {
	return p / cs.geometry.PagesPerEraseBlock
}

// remapPage substitutes the backup erase block for p's erase block when
// that block is listed bad, preserving p's offset within the block.
func (cs *ClusterStore) remapPage(p uint32) uint32 {
	block := cs.eraseBlockOf(p)

	backup, isBad := cs.badBlocks[block]
	if !isBad {
		return p
	}

	offset := p % cs.geometry.PagesPerEraseBlock
	return backup*cs.geometry.PagesPerEraseBlock + offset
}

// firstPage returns the first physical page of cluster c, after bad-block
// remapping.
func (cs *ClusterStore) firstPage(c uint32) uint32 {
	first := c * cs.geometry.clusterStride()
	return cs.remapPage(first)
}

// ReadCluster reads all pages of cluster c and concatenates their data.
func (cs *ClusterStore) ReadCluster(c uint32) (data []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	first := cs.firstPage(c)

	data = make([]byte, 0, cs.geometry.PagesPerCluster*cs.pages.Geometry().PageSize)
	for i := uint32(0); i < cs.geometry.PagesPerCluster; i++ {
		pageData, pageErr := cs.pages.ReadPage(first + i)
		if pageErr != nil {
			log.Panic(pageErr)
		}

		data = append(data, pageData...)
	}

	return data, nil
}

// WriteCluster writes data (which must be exactly one cluster's worth of
// bytes) across cluster c's pages.
func (cs *ClusterStore) WriteCluster(c uint32, data []byte) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	pageSize := cs.pages.Geometry().PageSize
	want := cs.geometry.PagesPerCluster * pageSize
	if uint32(len(data)) != want {
		log.Panicf("cluster data must be exactly %d bytes, got %d", want, len(data))
	}

	first := cs.firstPage(c)

	for i := uint32(0); i < cs.geometry.PagesPerCluster; i++ {
		chunk := data[i*pageSize : (i+1)*pageSize]

		if writeErr := cs.pages.WritePage(first+i, chunk); writeErr != nil {
			log.Panic(writeErr)
		}
	}

	return nil
}

// ClusterSize is the number of data bytes one cluster holds.
func (cs *ClusterStore) ClusterSize() uint32 {
	return cs.geometry.PagesPerCluster * cs.pages.Geometry().PageSize
}

// PagesPerCluster returns the cluster geometry's page count.
func (cs *ClusterStore) PagesPerCluster() uint32 {
	return cs.geometry.PagesPerCluster
}
