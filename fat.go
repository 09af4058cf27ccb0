package ps2mc

import (
	"github.com/dsoprea/go-logging"
)

// Fat is the cluster allocation table: a virtual array of one uint32
// entry per allocatable cluster, itself stored in clusters reached
// through a level of indirection (the superblock's IFC list of
// "indirect FAT cluster" pointers, each of which is itself a cluster
// full of FAT-cluster pointers). This mirrors the teacher's own
// Fat/MappedCluster split in structures.go, generalized from a
// single-level cluster chain to the card's two-level IFC scheme.
type Fat struct {
	clusters *ClusterStore
	sb       *Superblock

	// allocOffset is the absolute cluster number of the first
	// allocatable cluster; every cluster number this type's exported
	// methods accept or return is absolute (as ClusterStore expects), and
	// allocOffset is subtracted internally to find a FAT slot's storage
	// location.
	allocOffset uint32

	// entriesPerCluster is how many uint32 FAT entries fit in one
	// cluster.
	entriesPerCluster uint32

	// fatClusters maps a FAT-cluster index (0-based, across the whole
	// table) to the absolute cluster number holding it.
	fatClusters []uint32

	// cache holds the most recently touched FAT cluster's decoded
	// entries. Set updates it in place and marks it dirty; it is written
	// back by Flush, or before another FAT cluster is loaded into it -- a
	// small optimization since directory walks touch runs of adjacent
	// clusters.
	cacheIndex   int
	cacheEntries []uint32
	cacheDirty   bool
}

// OpenFat builds a Fat over clusters using sb's IFC list. nClusters is
// the number of allocatable data clusters the card has (AllocEnd -
// AllocOffset), which determines how many FAT clusters and, in turn, how
// many IFC entries are actually live.
func OpenFat(clusters *ClusterStore, sb *Superblock, nClusters uint32) (fat *Fat, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	entriesPerCluster := clusters.ClusterSize() / 4

	nFatClusters := ceilDiv(nClusters, entriesPerCluster)
	entriesPerIfc := entriesPerCluster

	fatClusters := make([]uint32, 0, nFatClusters)

	remaining := nFatClusters
	for ifcIdx := uint32(0); remaining > 0; ifcIdx++ {
		if int(ifcIdx) >= len(sb.IfcList) {
			log.Panic(newError(FsCorruptKind, "IFC list too short for %d FAT clusters", nFatClusters))
		}

		ifcCluster := sb.IfcList[ifcIdx]

		ifcData, readErr := clusters.ReadCluster(ifcCluster)
		if readErr != nil {
			log.Panic(readErr)
		}

		take := entriesPerIfc
		if take > remaining {
			take = remaining
		}

		for i := uint32(0); i < take; i++ {
			v := defaultByteOrder.Uint32(ifcData[i*4 : i*4+4])
			fatClusters = append(fatClusters, v)
		}

		remaining -= take
	}

	fat = &Fat{
		clusters:          clusters,
		sb:                sb,
		allocOffset:       sb.AllocOffset,
		entriesPerCluster: entriesPerCluster,
		fatClusters:       fatClusters,
		cacheIndex:        -1,
	}

	return fat, nil
}

// loadFatCluster decodes the entriesPerCluster FAT entries stored in FAT
// cluster index idx, using and refilling the single-cluster cache.
func (f *Fat) loadFatCluster(idx int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if f.cacheIndex == idx {
		return nil
	}

	if err := f.flush(); err != nil {
		return err
	}

	if idx < 0 || idx >= len(f.fatClusters) {
		log.Panic(newError(FsCorruptKind, "FAT cluster index %d out of range", idx))
	}

	raw, readErr := f.clusters.ReadCluster(f.fatClusters[idx])
	if readErr != nil {
		log.Panic(readErr)
	}

	entries := make([]uint32, f.entriesPerCluster)
	for i := range entries {
		entries[i] = defaultByteOrder.Uint32(raw[i*4 : i*4+4])
	}

	f.cacheIndex = idx
	f.cacheEntries = entries
	f.cacheDirty = false

	return nil
}

// flush writes back the cached FAT cluster if it's dirty.
func (f *Fat) flush() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if !f.cacheDirty || f.cacheIndex < 0 {
		return nil
	}

	raw := make([]byte, f.clusters.ClusterSize())
	for i, v := range f.cacheEntries {
		defaultByteOrder.PutUint32(raw[i*4:i*4+4], v)
	}

	if writeErr := f.clusters.WriteCluster(f.fatClusters[f.cacheIndex], raw); writeErr != nil {
		log.Panic(writeErr)
	}

	f.cacheDirty = false

	return nil
}

// entryLocation splits an absolute cluster number into the FAT cluster
// it lives in and its offset within that cluster.
func (f *Fat) entryLocation(absCluster uint32) (fatClusterIdx int, offset uint32) {
	relCluster := absCluster - f.allocOffset
	return int(relCluster / f.entriesPerCluster), relCluster % f.entriesPerCluster
}

// Get returns the raw FAT entry for absolute cluster number c.
func (f *Fat) Get(c uint32) (entry uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	idx, offset := f.entryLocation(c)

	if loadErr := f.loadFatCluster(idx); loadErr != nil {
		log.Panic(loadErr)
	}

	return f.cacheEntries[offset], nil
}

// Set stores a raw FAT entry for absolute cluster number c, marking the
// owning FAT cluster dirty. Callers must eventually call Flush.
func (f *Fat) Set(c uint32, entry uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	idx, offset := f.entryLocation(c)

	if loadErr := f.loadFatCluster(idx); loadErr != nil {
		log.Panic(loadErr)
	}

	f.cacheEntries[offset] = entry
	f.cacheDirty = true

	return nil
}

// Flush writes back any pending FAT cluster modification.
func (f *Fat) Flush() error {
	return f.flush()
}

// IsAllocated reports whether cluster c's FAT slot is marked allocated.
func (f *Fat) IsAllocated(c uint32) (bool, error) {
	entry, err := f.Get(c)
	if err != nil {
		return false, err
	}

	return entry&FatEntryAllocatedBit != 0, nil
}

// Next returns the next cluster in c's chain, and ok == false when c is
// the chain's terminal entry.
func (f *Fat) Next(c uint32) (next uint32, ok bool, err error) {
	entry, err := f.Get(c)
	if err != nil {
		return 0, false, err
	}

	value := entry &^ FatEntryAllocatedBit
	if value == FatTerminator {
		return 0, false, nil
	}

	return value, true, nil
}

// ChainClusters returns every cluster number in the chain starting at
// head, in order.
func (f *Fat) ChainClusters(head uint32) (chain []uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	seen := make(map[uint32]bool)

	cur := head
	for {
		if seen[cur] {
			log.Panic(newError(FsCorruptKind, "cyclic FAT chain at cluster %d", cur))
		}
		seen[cur] = true

		chain = append(chain, cur)

		next, ok, nextErr := f.Next(cur)
		if nextErr != nil {
			log.Panic(nextErr)
		}

		if !ok {
			break
		}

		cur = next
	}

	return chain, nil
}

// AllocateChain allocates n new clusters chained together, returning the
// head of the newly allocated run; linking the run onto an existing chain
// is left to the caller. nClusters bounds the scan. Free clusters
// are found by a forward scan from the start of the allocatable range;
// this is the same strategy the teacher's own EnumerateClusters favors
// for predictability over throughput.
func (f *Fat) AllocateChain(n uint32, nClusters uint32) (head uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if n == 0 {
		log.Panic(newError(InvalidArgKind, "cannot allocate a zero-length chain"))
	}

	free := make([]uint32, 0, n)
	for c := f.allocOffset; c < f.allocOffset+nClusters && uint32(len(free)) < n; c++ {
		allocated, allocErr := f.IsAllocated(c)
		if allocErr != nil {
			log.Panic(allocErr)
		}

		if !allocated {
			free = append(free, c)
		}
	}

	if uint32(len(free)) < n {
		log.Panic(newError(NoSpaceKind, "need %d free clusters, found %d", n, len(free)))
	}

	for i, c := range free {
		var next uint32
		if i+1 < len(free) {
			next = free[i+1]
		} else {
			next = FatTerminator
		}

		if setErr := f.Set(c, next|FatEntryAllocatedBit); setErr != nil {
			log.Panic(setErr)
		}
	}

	return free[0], nil
}

// FreeChain marks every cluster in the chain starting at head as free.
func (f *Fat) FreeChain(head uint32) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	chain, chainErr := f.ChainClusters(head)
	if chainErr != nil {
		log.Panic(chainErr)
	}

	for _, c := range chain {
		if setErr := f.Set(c, FatFree); setErr != nil {
			log.Panic(setErr)
		}
	}

	return nil
}

// CountFree returns how many of the first nClusters allocatable clusters
// are unallocated, used by FS.GetFreeSpace.
func (f *Fat) CountFree(nClusters uint32) (free uint32, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	for c := f.allocOffset; c < f.allocOffset+nClusters; c++ {
		allocated, allocErr := f.IsAllocated(c)
		if allocErr != nil {
			log.Panic(allocErr)
		}

		if !allocated {
			free++
		}
	}

	return free, nil
}
