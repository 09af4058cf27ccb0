package ps2mc

import (
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dsoprea/go-logging"
)

// FS is the top-level handle onto a memory card image: superblock, FAT,
// and cluster/page layers bound together behind a path-based API. It
// plays the role the teacher's ExfatReader plays for an exFAT volume,
// generalized with mutation (Mkdir/Remove/Rename/Write) since MCFS images
// are routinely edited in place rather than only read.
type FS struct {
	pages    *PageStore
	clusters *ClusterStore
	fat      *Fat
	sb       *Superblock

	allocOffset uint32
	allocEnd    uint32

	cwd string

	// Clock overrides time.Now for directory entry timestamps; nil uses
	// the real clock. Tests set this to get deterministic Created/
	// Modified fields.
	Clock func() time.Time
}

// Open parses the superblock out of backing and returns a ready FS.
// ignoreECC, when true, tolerates uncorrectable ECC errors by returning
// raw page data instead of failing the read (mirrors mymc's -i/
// --ignore-ecc flag).
func Open(backing io.ReadWriteSeeker, ignoreECC bool) (fs *FS, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	probe := PageGeometry{PageSize: StandardPageSize, SpareSize: StandardSpareSize, ECC: true}
	probeStore := NewPageStore(backing, probe, true)

	page0, readErr := probeStore.ReadPage(0)
	if readErr != nil {
		log.Panic(readErr)
	}

	sb, sbErr := DecodeSuperblock(page0)
	if sbErr != nil {
		log.Panic(sbErr)
	}

	// Images formatted with NoECC carry no spare area at all, so the
	// same page count reads shorter than an ECC image's. Tell them apart
	// by comparing the backing store's actual length against the
	// with-spare prediction, per PageGeometry's own doc comment.
	totalPages := int64(sb.BackupBlock2+1) * int64(sb.PagesPerBlock)

	end, endErr := backing.Seek(0, io.SeekEnd)
	if endErr != nil {
		log.Panic(wrapError(IoErrorKind, "", endErr))
	}

	hasECC := end >= totalPages*int64(sb.PageSize+StandardSpareSize)

	geometry := sb.PageGeometry(hasECC)
	pages := NewPageStore(backing, geometry, ignoreECC)

	clusterGeometry := sb.ClusterGeometry()
	clusters, clusterErr := NewClusterStore(pages, clusterGeometry, sb.BadBlocks(), []uint32{sb.BackupBlock1, sb.BackupBlock2})
	if clusterErr != nil {
		log.Panic(clusterErr)
	}

	allocOffset := sb.AllocOffset
	allocEnd := sb.AllocEnd
	nClusters := allocEnd - allocOffset

	fat, fatErr := OpenFat(clusters, sb, nClusters)
	if fatErr != nil {
		log.Panic(fatErr)
	}

	fs = &FS{
		pages:       pages,
		clusters:    clusters,
		fat:         fat,
		sb:          sb,
		allocOffset: allocOffset,
		allocEnd:    allocEnd,
		cwd:         "/",
	}

	return fs, nil
}

// now returns the current time, honoring Clock if set.
func (fs *FS) now() time.Time {
	if fs.Clock != nil {
		return fs.Clock()
	}

	return time.Now()
}

// allocatableClusterCount returns how many data clusters the card has.
func (fs *FS) allocatableClusterCount() uint32 {
	return fs.allocEnd - fs.allocOffset
}

// rootDirectory returns a Directory over the card's root, whose cluster
// chain starts at the superblock's RootdirCluster.
func (fs *FS) rootDirectory() *Directory {
	return NewDirectory(fs.fat, fs.clusters, fs.sb.RootdirCluster, fs.allocatableClusterCount())
}

// splitPath resolves p (absolute or relative to fs.cwd) into a clean
// slice of non-empty path components.
func (fs *FS) splitPath(p string) []string {
	if !path.IsAbs(p) {
		p = path.Join(fs.cwd, p)
	}

	clean := path.Clean(p)
	if clean == "/" {
		return nil
	}

	return strings.Split(strings.TrimPrefix(clean, "/"), "/")
}

// resolveDir walks components, each of which must name a directory,
// returning the Directory for the last one. An empty components slice
// returns the root.
func (fs *FS) resolveDir(components []string) (dir *Directory, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	dir = fs.rootDirectory()

	for _, name := range components {
		_, de, lookupErr := dir.Lookup(name)
		if lookupErr != nil {
			log.Panic(withPath(lookupErr, name))
		}

		if !de.Mode.IsDir() {
			log.Panic(wrapError(NotDirectoryKind, name, nil))
		}

		dir = NewDirectory(fs.fat, fs.clusters, de.Cluster, fs.allocatableClusterCount())
	}

	return dir, nil
}

// resolveEntry splits p and resolves it down to its parent Directory and
// its own directory-entry slot.
func (fs *FS) resolveEntry(p string) (parent *Directory, index int, de *DirEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	components := fs.splitPath(p)
	if len(components) == 0 {
		log.Panic(newError(InvalidArgKind, "the root directory has no directory entry of its own"))
	}

	parent, dirErr := fs.resolveDir(components[:len(components)-1])
	if dirErr != nil {
		log.Panic(dirErr)
	}

	name := components[len(components)-1]

	index, de, lookupErr := parent.Lookup(name)
	if lookupErr != nil {
		log.Panic(withPath(lookupErr, p))
	}

	return parent, index, de, nil
}

// OpenFile opens path for reading and, if writable is true, writing. The
// returned handle must be Closed to persist any writes.
func (fs *FS) OpenFile(p string, writable bool) (f *File, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	parent, index, de, resolveErr := fs.resolveEntry(p)
	if resolveErr != nil {
		log.Panic(resolveErr)
	}

	if de.Mode.IsDir() {
		log.Panic(wrapError(IsDirectoryKind, p, nil))
	}

	if writable && de.Mode&ModeWrite == 0 {
		log.Panic(newError(InvalidArgKind, "%s: file is not writable", p))
	}

	f, openErr := openFile(fs, parent, index, de)
	if openErr != nil {
		log.Panic(openErr)
	}

	return f, nil
}

// Create makes a new, empty file at p with the given mode bits (always
// ORed with ModeFile|ModeExists) and returns a writable handle to it.
func (fs *FS) Create(p string, mode DirMode) (f *File, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	components := fs.splitPath(p)
	if len(components) == 0 {
		log.Panic(newError(InvalidArgKind, "cannot create the root directory"))
	}

	parent, dirErr := fs.resolveDir(components[:len(components)-1])
	if dirErr != nil {
		log.Panic(dirErr)
	}

	name := components[len(components)-1]

	if _, _, lookupErr := parent.Lookup(name); lookupErr == nil {
		log.Panic(wrapError(ExistsKind, p, nil))
	}

	de := &DirEntry{
		Mode:    mode | ModeFile | ModeExists,
		Created: TodFromTime(fs.now()),
	}
	de.SetName(name)

	index, addErr := parent.AddEntry(de)
	if addErr != nil {
		log.Panic(addErr)
	}

	f, openErr := openFile(fs, parent, index, de)
	if openErr != nil {
		log.Panic(openErr)
	}

	return f, nil
}

// GetDirEnt returns a copy of the directory entry named by p, without
// opening it as a file. Used by the save-archive bridge to inspect
// mode/timestamps without paying for a full File handle.
func (fs *FS) GetDirEnt(p string) (de *DirEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	_, _, found, resolveErr := fs.resolveEntry(p)
	if resolveErr != nil {
		log.Panic(resolveErr)
	}

	cp := *found

	return &cp, nil
}

// SetDirEnt applies an explicit mode mask to the directory entry named by
// p: bits in set are turned on, then bits in clear are turned off, and
// the result is written back to p's directory entry. This is the mask
// API the "set"/"clear" CLI commands are built on (spec's Design Notes:
// "Mode flags as bit-field constants ... surface set/clear through an
// explicit mask API"), replacing the original tool's positional ent[]
// mutation with named fields and an explicit two-mask call.
func (fs *FS) SetDirEnt(p string, set, clear DirMode) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	parent, index, de, resolveErr := fs.resolveEntry(p)
	if resolveErr != nil {
		log.Panic(resolveErr)
	}

	de.Mode |= set
	de.Mode &^= clear
	de.Mode |= ModeExists

	if updateErr := parent.UpdateEntry(index, de); updateErr != nil {
		log.Panic(updateErr)
	}

	return nil
}

// SetTimes overwrites the Created/Modified timestamps of the directory
// entry named by p, independent of its mode bits. Used by the save-archive
// import bridge to restore a save's original timestamps instead of leaving
// every imported entry stamped with the moment it was written.
func (fs *FS) SetTimes(p string, created, modified time.Time) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	parent, index, de, resolveErr := fs.resolveEntry(p)
	if resolveErr != nil {
		log.Panic(resolveErr)
	}

	de.Created = TodFromTime(created)
	de.Modified = TodFromTime(modified)

	if updateErr := parent.UpdateEntry(index, de); updateErr != nil {
		log.Panic(updateErr)
	}

	return nil
}

// Mkdir creates a new, empty directory at p, pre-populated with "." and
// ".." entries the way the card's own format routine populates the root.
func (fs *FS) Mkdir(p string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	components := fs.splitPath(p)
	if len(components) == 0 {
		log.Panic(newError(ExistsKind, "root directory always exists"))
	}

	parent, dirErr := fs.resolveDir(components[:len(components)-1])
	if dirErr != nil {
		log.Panic(dirErr)
	}

	name := components[len(components)-1]

	if _, _, lookupErr := parent.Lookup(name); lookupErr == nil {
		log.Panic(wrapError(ExistsKind, p, nil))
	}

	head, allocErr := fs.fat.AllocateChain(1, fs.allocatableClusterCount())
	if allocErr != nil {
		log.Panic(allocErr)
	}

	if writeErr := fs.clusters.WriteCluster(head, make([]byte, fs.clusters.ClusterSize())); writeErr != nil {
		log.Panic(writeErr)
	}

	newDir := NewDirectory(fs.fat, fs.clusters, head, fs.allocatableClusterCount())

	dot := &DirEntry{Mode: ModeDir | ModeExists | ModeRead | ModeWrite, Cluster: head, Created: TodFromTime(fs.now())}
	dot.SetName(".")

	dotdot := &DirEntry{Mode: ModeDir | ModeExists | ModeRead | ModeWrite, Cluster: parentClusterOf(parent), Created: TodFromTime(fs.now())}
	dotdot.SetName("..")

	if _, addErr := newDir.AddEntry(dot); addErr != nil {
		log.Panic(addErr)
	}

	if _, addErr := newDir.AddEntry(dotdot); addErr != nil {
		log.Panic(addErr)
	}

	de := &DirEntry{
		Mode:    ModeDir | ModeExists | ModeRead | ModeWrite,
		Cluster: head,
		Created: TodFromTime(fs.now()),
	}
	de.SetName(name)

	if _, addErr := parent.AddEntry(de); addErr != nil {
		log.Panic(addErr)
	}

	return fs.fat.Flush()
}

// parentClusterOf is a placeholder accessor until Directory tracks its
// own first cluster publicly; kept as a free function so FS doesn't need
// a Directory.FirstCluster method exposed solely for ".." bookkeeping.
func parentClusterOf(dir *Directory) uint32 {
	return dir.first
}

// Remove deletes a file, or an empty directory, at p.
func (fs *FS) Remove(p string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	parent, index, de, resolveErr := fs.resolveEntry(p)
	if resolveErr != nil {
		log.Panic(resolveErr)
	}

	if de.Mode.IsDir() {
		child := NewDirectory(fs.fat, fs.clusters, de.Cluster, fs.allocatableClusterCount())

		entries, listErr := child.List()
		if listErr != nil {
			log.Panic(listErr)
		}

		for _, e := range entries {
			name := e.NameString()
			if name != "." && name != ".." {
				log.Panic(wrapError(NotEmptyKind, p, nil))
			}
		}
	}

	if de.Mode.IsProtected() {
		log.Panic(newError(InvalidArgKind, "%s: entry is protected", p))
	}

	if de.Cluster != 0 {
		if freeErr := fs.fat.FreeChain(de.Cluster); freeErr != nil {
			log.Panic(freeErr)
		}
	}

	if removeErr := parent.RemoveEntry(index); removeErr != nil {
		log.Panic(removeErr)
	}

	return fs.fat.Flush()
}

// RemoveRecursive deletes p, and if it is a directory, everything inside
// it.
func (fs *FS) RemoveRecursive(p string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	_, _, de, resolveErr := fs.resolveEntry(p)
	if resolveErr != nil {
		log.Panic(resolveErr)
	}

	if de.Mode.IsDir() {
		child := NewDirectory(fs.fat, fs.clusters, de.Cluster, fs.allocatableClusterCount())

		entries, listErr := child.List()
		if listErr != nil {
			log.Panic(listErr)
		}

		for _, e := range entries {
			name := e.NameString()
			if name == "." || name == ".." {
				continue
			}

			if removeErr := fs.RemoveRecursive(path.Join(p, name)); removeErr != nil {
				log.Panic(removeErr)
			}
		}
	}

	return fs.Remove(p)
}

// Rename moves the entry at oldPath to newPath. Both must resolve within
// the same parent directory; cross-directory moves are rejected the same
// way the original tool rejected them (InvalidArgKind).
func (fs *FS) Rename(oldPath, newPath string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	oldComponents := fs.splitPath(oldPath)
	newComponents := fs.splitPath(newPath)

	if len(oldComponents) == 0 || len(newComponents) == 0 {
		log.Panic(newError(InvalidArgKind, "cannot rename the root directory"))
	}

	if len(oldComponents) != len(newComponents) || !sameParent(oldComponents, newComponents) {
		log.Panic(newError(InvalidArgKind, "rename across directories is not supported, use move semantics at the archive layer"))
	}

	parent, index, de, resolveErr := fs.resolveEntry(oldPath)
	if resolveErr != nil {
		log.Panic(resolveErr)
	}

	newName := newComponents[len(newComponents)-1]

	if _, _, lookupErr := parent.Lookup(newName); lookupErr == nil {
		log.Panic(wrapError(ExistsKind, newPath, nil))
	}

	de.SetName(newName)

	if updateErr := parent.UpdateEntry(index, de); updateErr != nil {
		log.Panic(updateErr)
	}

	return nil
}

// sameParent reports whether a and b name siblings (identical except for
// their last component).
func sameParent(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := 0; i < len(a)-1; i++ {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// Chdir changes the filesystem's current working directory, verifying
// that p names an existing directory.
func (fs *FS) Chdir(p string) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	components := fs.splitPath(p)

	if _, dirErr := fs.resolveDir(components); dirErr != nil {
		log.Panic(dirErr)
	}

	if path.IsAbs(p) {
		fs.cwd = path.Clean(p)
	} else {
		fs.cwd = path.Clean(path.Join(fs.cwd, p))
	}

	return nil
}

// Getcwd returns the filesystem's current working directory.
func (fs *FS) Getcwd() string {
	return fs.cwd
}

// List returns the live entries of the directory at p.
func (fs *FS) List(p string) (entries []*DirEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	components := fs.splitPath(p)

	dir, dirErr := fs.resolveDir(components)
	if dirErr != nil {
		log.Panic(dirErr)
	}

	entries, listErr := dir.List()
	if listErr != nil {
		log.Panic(listErr)
	}

	return entries, nil
}

// Glob matches pattern (a single path.Match-style pattern applied to the
// final component only, per the original tool's glob support) against
// the entries of pattern's directory, returning matching full paths.
func (fs *FS) Glob(pattern string) (matches []string, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	dirPattern, namePattern := path.Split(pattern)

	entries, listErr := fs.List(dirPattern)
	if listErr != nil {
		log.Panic(listErr)
	}

	for _, e := range entries {
		name := e.NameString()
		if name == "." || name == ".." {
			continue
		}

		ok, matchErr := path.Match(namePattern, name)
		if matchErr != nil {
			log.Panic(wrapError(InvalidArgKind, pattern, matchErr))
		}

		if ok {
			matches = append(matches, path.Join(dirPattern, name))
		}
	}

	return matches, nil
}

// GetFreeSpace returns the number of free clusters and the card's total
// allocatable cluster count.
func (fs *FS) GetFreeSpace() (free, total uint32, err error) {
	total = fs.allocatableClusterCount()

	free, err = fs.fat.CountFree(total)
	if err != nil {
		return 0, 0, err
	}

	return free, total, nil
}

// ClusterSize returns the card's cluster size in bytes.
func (fs *FS) ClusterSize() uint32 {
	return fs.clusters.ClusterSize()
}

// CheckIssueKind categorizes a single finding from Check.
type CheckIssueKind int

const (
	// CheckCyclicChain means a FAT chain loops back on itself.
	CheckCyclicChain CheckIssueKind = iota

	// CheckCrossLinked means two directory entries share a cluster.
	CheckCrossLinked

	// CheckOrphanChain means an allocated cluster chain has no directory
	// entry pointing to it.
	CheckOrphanChain

	// CheckBadDirEntry means a directory entry's fields are internally
	// inconsistent (e.g. a file whose Length doesn't fit its chain).
	CheckBadDirEntry
)

// CheckIssue is one finding produced by Check.
type CheckIssue struct {
	Kind CheckIssueKind
	Path string
	Msg  string
}

// Check walks the whole filesystem looking for the inconsistencies the
// original tool's "check"/"check -f" commands report: cross-linked
// clusters, cyclic chains, and orphaned allocated clusters. It returns
// ok == true when no issues were found.
func (fs *FS) Check() (ok bool, issues []CheckIssue, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	owner := make(map[uint32]string)

	// claim registers every cluster of the chain starting at first as
	// belonging to p, flagging cycles and cross-links along the way.
	claim := func(p string, first uint32) {
		chain, chainErr := fs.fat.ChainClusters(first)
		if chainErr != nil {
			issues = append(issues, CheckIssue{Kind: CheckCyclicChain, Path: p, Msg: chainErr.Error()})
			return
		}

		for _, c := range chain {
			if prior, seen := owner[c]; seen {
				issues = append(issues, CheckIssue{
					Kind: CheckCrossLinked,
					Path: p,
					Msg:  "cluster " + strconv.FormatUint(uint64(c), 10) + " also claimed by " + prior,
				})
			} else {
				owner[c] = p
			}
		}
	}

	// walk registers dirCluster's own chain (so a directory with no
	// parent entry -- the root -- is still accounted for) and then
	// recurses into every live child.
	var walk func(p string, dirCluster uint32) error
	walk = func(p string, dirCluster uint32) error {
		claim(p, dirCluster)

		dir := NewDirectory(fs.fat, fs.clusters, dirCluster, fs.allocatableClusterCount())

		entries, listErr := dir.List()
		if listErr != nil {
			return listErr
		}

		for _, e := range entries {
			name := e.NameString()
			if name == "." || name == ".." {
				continue
			}

			childPath := path.Join(p, name)

			if e.Mode.IsDir() {
				if walkErr := walk(childPath, e.Cluster); walkErr != nil {
					return walkErr
				}
			} else if e.Mode.IsFile() {
				need := ceilDiv(e.Length, fs.clusters.ClusterSize())

				if e.Cluster != 0 {
					claim(childPath, e.Cluster)

					if chain, chainErr := fs.fat.ChainClusters(e.Cluster); chainErr == nil && uint32(len(chain)) < need {
						issues = append(issues, CheckIssue{Kind: CheckBadDirEntry, Path: childPath, Msg: "length exceeds the allocated cluster chain"})
					}
				} else if need > 0 {
					issues = append(issues, CheckIssue{Kind: CheckBadDirEntry, Path: childPath, Msg: "non-zero length with no allocated cluster"})
				}
			}
		}

		return nil
	}

	if walkErr := walk("/", fs.sb.RootdirCluster); walkErr != nil {
		log.Panic(walkErr)
	}

	total := fs.allocatableClusterCount()
	for c := fs.allocOffset; c < fs.allocOffset+total; c++ {
		allocated, allocErr := fs.fat.IsAllocated(c)
		if allocErr != nil {
			log.Panic(allocErr)
		}

		if allocated {
			if _, claimed := owner[c]; !claimed {
				issues = append(issues, CheckIssue{Kind: CheckOrphanChain, Msg: "cluster " + strconv.FormatUint(uint64(c), 10) + " allocated but unreferenced"})
			}
		}
	}

	return len(issues) == 0, issues, nil
}
