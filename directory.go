package ps2mc

import (
	"github.com/dsoprea/go-logging"
)

// Directory knows how to enumerate and edit the entries stored in the
// cluster chain belonging to a single directory. Grounded on the
// teacher's ExfatNavigator: a small object wrapping one directory's first
// cluster, with an enumerate-by-callback primitive that higher layers
// build indexing and lookup on top of. The format here has no secondary
// entries or multipart filenames, so the callback carries a single
// DirEntry rather than a primary/secondary pair.
type Directory struct {
	fat      *Fat
	clusters *ClusterStore
	first    uint32

	// maxClusters bounds AllocateChain's free-cluster scan when the
	// directory needs to grow (FS's allocatable cluster count).
	maxClusters uint32
}

// NewDirectory returns a Directory over the cluster chain starting at
// first. maxClusters is the card's total allocatable cluster count, used
// to bound allocation when the directory must grow to fit a new entry.
func NewDirectory(fat *Fat, clusters *ClusterStore, first uint32, maxClusters uint32) *Directory {
	return &Directory{fat: fat, clusters: clusters, first: first, maxClusters: maxClusters}
}

// DirEntryVisitorFunc is called once per live slot. index is the entry's
// position within the directory (0 and 1 are conventionally "." and
// ".."). Returning an error stops enumeration and propagates the error.
type DirEntryVisitorFunc func(index int, de *DirEntry) error

// entriesPerCluster returns how many fixed-size directory entries fit in
// one cluster.
func (d *Directory) entriesPerCluster() uint32 {
	return d.clusters.ClusterSize() / DirEntrySize
}

// Enumerate walks every entry of the directory's cluster chain and
// invokes cb for each one, including entries whose Mode has the
// ModeExists bit clear (deleted/unused slots) -- callers that want only
// live entries check de.Mode&ModeExists themselves, as Lookup, List and
// findFreeSlot do.
func (d *Directory) Enumerate(cb DirEntryVisitorFunc) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	chain, chainErr := d.fat.ChainClusters(d.first)
	if chainErr != nil {
		log.Panic(chainErr)
	}

	perCluster := d.entriesPerCluster()

	index := 0
	for _, cluster := range chain {
		data, readErr := d.clusters.ReadCluster(cluster)
		if readErr != nil {
			log.Panic(readErr)
		}

		for i := uint32(0); i < perCluster; i++ {
			raw := data[i*DirEntrySize : (i+1)*DirEntrySize]

			de, decodeErr := DecodeDirEntry(raw)
			if decodeErr != nil {
				log.Panic(decodeErr)
			}

			if cbErr := cb(index, de); cbErr != nil {
				log.Panic(cbErr)
			}

			index++
		}
	}

	return nil
}

// writeEntry re-encodes de and writes it back to slot index of the
// directory's cluster chain.
func (d *Directory) writeEntry(index int, de *DirEntry) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	perCluster := d.entriesPerCluster()

	chain, chainErr := d.fat.ChainClusters(d.first)
	if chainErr != nil {
		log.Panic(chainErr)
	}

	clusterIdx := index / int(perCluster)
	if clusterIdx >= len(chain) {
		log.Panic(newError(FsCorruptKind, "directory entry index %d beyond chain length", index))
	}

	cluster := chain[clusterIdx]

	data, readErr := d.clusters.ReadCluster(cluster)
	if readErr != nil {
		log.Panic(readErr)
	}

	encoded, encodeErr := de.Encode()
	if encodeErr != nil {
		log.Panic(encodeErr)
	}

	offset := (index % int(perCluster)) * DirEntrySize
	copy(data[offset:offset+DirEntrySize], encoded)

	if writeErr := d.clusters.WriteCluster(cluster, data); writeErr != nil {
		log.Panic(writeErr)
	}

	return nil
}

// Lookup returns the index and decoded entry for name, searching only
// live (ModeExists) slots.
func (d *Directory) Lookup(name string) (index int, de *DirEntry, err error) {
	index = -1

	enumErr := d.Enumerate(func(i int, entry *DirEntry) error {
		if entry.Mode&ModeExists == 0 {
			return nil
		}

		if entry.NameString() == name {
			index = i
			de = entry
		}

		return nil
	})
	if enumErr != nil {
		return -1, nil, enumErr
	}

	if de == nil {
		return -1, nil, newError(NotFoundKind, "%s", name)
	}

	return index, de, nil
}

// List returns every live entry in the directory, in on-disk order, "."
// and ".." included.
func (d *Directory) List() (entries []*DirEntry, err error) {
	enumErr := d.Enumerate(func(_ int, entry *DirEntry) error {
		if entry.Mode&ModeExists == 0 {
			return nil
		}

		entries = append(entries, entry)

		return nil
	})

	return entries, enumErr
}

// findFreeSlot returns the index of the first slot whose ModeExists bit
// is clear, growing the directory's own cluster chain by one cluster
// first if none is free.
func (d *Directory) findFreeSlot() (index int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	index = -1

	enumErr := d.Enumerate(func(i int, entry *DirEntry) error {
		if index == -1 && entry.Mode&ModeExists == 0 {
			index = i
		}

		return nil
	})
	if enumErr != nil {
		log.Panic(enumErr)
	}

	if index != -1 {
		return index, nil
	}

	if growErr := d.grow(); growErr != nil {
		log.Panic(growErr)
	}

	index = -1

	enumErr = d.Enumerate(func(i int, entry *DirEntry) error {
		if index == -1 && entry.Mode&ModeExists == 0 {
			index = i
		}

		return nil
	})
	if enumErr != nil {
		log.Panic(enumErr)
	}

	if index == -1 {
		log.Panic(newError(FsCorruptKind, "directory grew but still has no free slot"))
	}

	return index, nil
}

// grow appends one freshly allocated, zero-filled cluster to the
// directory's chain, extending how many entries it can hold. Mirrors
// File.grow's allocate-then-link pattern in handle.go.
func (d *Directory) grow() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	chain, chainErr := d.fat.ChainClusters(d.first)
	if chainErr != nil {
		log.Panic(chainErr)
	}

	tail := chain[len(chain)-1]

	newCluster, allocErr := d.fat.AllocateChain(1, d.maxClusters)
	if allocErr != nil {
		log.Panic(allocErr)
	}

	if setErr := d.fat.Set(tail, newCluster|FatEntryAllocatedBit); setErr != nil {
		log.Panic(setErr)
	}

	if flushErr := d.fat.Flush(); flushErr != nil {
		log.Panic(flushErr)
	}

	blank := make([]byte, d.clusters.ClusterSize())
	if writeErr := d.clusters.WriteCluster(newCluster, blank); writeErr != nil {
		log.Panic(writeErr)
	}

	return nil
}

// AddEntry writes de into the first free slot, returning the slot index
// it was placed at. When no slot is free, findFreeSlot first grows the
// directory's chain by one cluster.
func (d *Directory) AddEntry(de *DirEntry) (index int, err error) {
	index, err = d.findFreeSlot()
	if err != nil {
		return -1, err
	}

	de.Mode |= ModeExists

	if writeErr := d.writeEntry(index, de); writeErr != nil {
		return -1, writeErr
	}

	if bumpErr := d.bumpOwnSize(); bumpErr != nil {
		return -1, bumpErr
	}

	return index, nil
}

// bumpOwnSize increments this directory's own size by one slot: the
// Length field of its "." entry at slot 0, which per the on-disk
// convention counts every directory-entry slot ever created, including
// tombstones, and never decreases. Every AddEntry call -- whether adding
// a file, a subdirectory, or (at creation time) "." and ".." themselves
// -- is one more slot the directory has ever held, so this is the single
// place that bookkeeping happens; a Mkdir into a parent directory bumps
// the parent's own size for free by going through parent.AddEntry.
func (d *Directory) bumpOwnSize() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	var dot *DirEntry

	enumErr := d.Enumerate(func(i int, entry *DirEntry) error {
		if i == 0 {
			dot = entry
		}
		return nil
	})
	if enumErr != nil {
		log.Panic(enumErr)
	}

	if dot == nil {
		log.Panic(newError(FsCorruptKind, "directory has no \".\" entry at slot 0"))
	}

	dot.Length++

	if writeErr := d.writeEntry(0, dot); writeErr != nil {
		log.Panic(writeErr)
	}

	return nil
}

// RemoveEntry clears the ModeExists bit of slot index, without touching
// its cluster chain -- freeing that chain in the FAT is the caller's
// responsibility.
func (d *Directory) RemoveEntry(index int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	var target *DirEntry

	enumErr := d.Enumerate(func(i int, entry *DirEntry) error {
		if i == index {
			target = entry
		}

		return nil
	})
	if enumErr != nil {
		log.Panic(enumErr)
	}

	if target == nil {
		log.Panic(newError(FsCorruptKind, "no such directory slot: %d", index))
	}

	target.Mode &^= ModeExists

	if writeErr := d.writeEntry(index, target); writeErr != nil {
		log.Panic(writeErr)
	}

	return nil
}

// UpdateEntry overwrites the entry at index with de as given (ModeExists
// preserved from de's own value), used by Rename and by size/timestamp
// updates after a write.
func (d *Directory) UpdateEntry(index int, de *DirEntry) error {
	return d.writeEntry(index, de)
}
