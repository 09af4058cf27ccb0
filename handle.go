package ps2mc

import (
	"io"

	"github.com/dsoprea/go-logging"
)

// File is an open handle onto a regular file's data, analogous to
// *os.File but backed by a cluster chain instead of a host filesystem.
// It buffers nothing: every Read/Write goes straight to the owning FS's
// ClusterStore, matching the teacher's preference (see
// WriteFromClusterChain) for streaming cluster-at-a-time I/O over
// buffering a whole file in memory.
type File struct {
	fs *FS

	dir      *Directory
	dirIndex int
	de       *DirEntry

	chain  []uint32
	pos    int64
	dirty  bool
	closed bool
}

// openFile builds a File handle for an already-resolved directory entry.
func openFile(fs *FS, dir *Directory, dirIndex int, de *DirEntry) (f *File, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	var chain []uint32
	if de.Cluster != 0 || de.Length > 0 {
		var chainErr error
		chain, chainErr = fs.fat.ChainClusters(de.Cluster)
		if chainErr != nil {
			log.Panic(chainErr)
		}
	}

	f = &File{
		fs:       fs,
		dir:      dir,
		dirIndex: dirIndex,
		de:       de,
		chain:    chain,
	}

	return f, nil
}

// checkOpen returns a BadHandleKind error if f has already been closed.
func (f *File) checkOpen() error {
	if f.closed {
		return newError(BadHandleKind, "file handle is closed")
	}

	return nil
}

// Size returns the file's length in bytes as of the last Seek/Read/Write.
func (f *File) Size() int64 {
	return int64(f.de.Length)
}

// Seek implements io.Seeker. Seeking past the current end of file is
// allowed; a subsequent Write there will grow the file, filling the gap
// with zeros.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if err := f.checkOpen(); err != nil {
		return 0, err
	}

	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = f.pos + offset
	case io.SeekEnd:
		newPos = int64(f.de.Length) + offset
	default:
		return 0, newError(InvalidArgKind, "invalid whence: %d", whence)
	}

	if newPos < 0 {
		return 0, newError(InvalidArgKind, "negative seek position")
	}

	f.pos = newPos

	return f.pos, nil
}

// Read implements io.Reader, reading from the file's cluster chain
// starting at the current position.
func (f *File) Read(p []byte) (n int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if checkErr := f.checkOpen(); checkErr != nil {
		return 0, checkErr
	}

	if f.pos >= int64(f.de.Length) {
		return 0, io.EOF
	}

	clusterSize := int64(f.fs.clusters.ClusterSize())

	remaining := int64(f.de.Length) - f.pos
	if remaining < int64(len(p)) {
		p = p[:remaining]
	}

	for n < len(p) {
		clusterIdx := int(f.pos / clusterSize)
		if clusterIdx >= len(f.chain) {
			log.Panic(newError(FsCorruptKind, "file position beyond its own cluster chain"))
		}

		offsetInCluster := f.pos % clusterSize

		data, readErr := f.fs.clusters.ReadCluster(f.chain[clusterIdx])
		if readErr != nil {
			log.Panic(readErr)
		}

		toCopy := int64(len(p) - n)
		if avail := clusterSize - offsetInCluster; toCopy > avail {
			toCopy = avail
		}

		copy(p[n:], data[offsetInCluster:offsetInCluster+toCopy])

		n += int(toCopy)
		f.pos += toCopy
	}

	return n, nil
}

// Write implements io.Writer, writing to the file's cluster chain at the
// current position, allocating additional clusters as needed to cover
// both the write itself and any gap left by a prior Seek past EOF.
func (f *File) Write(p []byte) (n int, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if checkErr := f.checkOpen(); checkErr != nil {
		return 0, checkErr
	}

	clusterSize := int64(f.fs.clusters.ClusterSize())

	endPos := f.pos + int64(len(p))
	neededClusters := int(ceilDiv(uint32(endPos), uint32(clusterSize)))

	if neededClusters > len(f.chain) {
		if growErr := f.grow(neededClusters - len(f.chain)); growErr != nil {
			log.Panic(growErr)
		}
	}

	for n < len(p) {
		clusterIdx := int(f.pos / clusterSize)
		offsetInCluster := f.pos % clusterSize

		data, readErr := f.fs.clusters.ReadCluster(f.chain[clusterIdx])
		if readErr != nil {
			log.Panic(readErr)
		}

		toCopy := int64(len(p) - n)
		if avail := clusterSize - offsetInCluster; toCopy > avail {
			toCopy = avail
		}

		copy(data[offsetInCluster:offsetInCluster+toCopy], p[n:])

		if writeErr := f.fs.clusters.WriteCluster(f.chain[clusterIdx], data); writeErr != nil {
			log.Panic(writeErr)
		}

		n += int(toCopy)
		f.pos += toCopy
	}

	if uint32(f.pos) > f.de.Length {
		f.de.Length = uint32(f.pos)
	}

	f.dirty = true

	return n, nil
}

// grow allocates extra clusters, zero-fills them, and appends them to the
// file's chain, linking the new run onto the existing tail (or starting a
// fresh chain for a previously-empty file).
func (f *File) grow(extra int) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	nClusters := f.fs.allocatableClusterCount()

	head, allocErr := f.fs.fat.AllocateChain(uint32(extra), nClusters)
	if allocErr != nil {
		log.Panic(allocErr)
	}

	newChain, chainErr := f.fs.fat.ChainClusters(head)
	if chainErr != nil {
		log.Panic(chainErr)
	}

	blank := make([]byte, f.fs.clusters.ClusterSize())
	for _, c := range newChain {
		if writeErr := f.fs.clusters.WriteCluster(c, blank); writeErr != nil {
			log.Panic(writeErr)
		}
	}

	if len(f.chain) == 0 {
		f.chain = newChain
		f.de.Cluster = head
	} else {
		tail := f.chain[len(f.chain)-1]

		entry, getErr := f.fs.fat.Get(tail)
		if getErr != nil {
			log.Panic(getErr)
		}

		if setErr := f.fs.fat.Set(tail, (head&^FatEntryAllocatedBit)|(entry&FatEntryAllocatedBit)); setErr != nil {
			log.Panic(setErr)
		}

		f.chain = append(f.chain, newChain...)
	}

	return f.fs.fat.Flush()
}

// Close flushes the entry's directory-entry metadata (length, modified
// timestamp) and marks the handle unusable.
func (f *File) Close() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if f.closed {
		return f.checkOpen()
	}

	if f.dirty {
		f.de.Modified = TodFromTime(f.fs.now())

		if updateErr := f.dir.UpdateEntry(f.dirIndex, f.de); updateErr != nil {
			log.Panic(updateErr)
		}

		if flushErr := f.fs.fat.Flush(); flushErr != nil {
			log.Panic(flushErr)
		}
	}

	f.closed = true

	return nil
}
