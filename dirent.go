package ps2mc

import (
	"fmt"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// DirMode decomposes a directory entry's mode field, mirroring the
// teacher's FileAttributes: a raw integer type with one predicate method
// per bit rather than a struct of bools.
type DirMode uint16

// Mode bit values, ordered to match the "rwxpfdD81C+KPH4" string the
// original tool renders them as.
const (
	ModeRead          DirMode = 0x0001
	ModeWrite         DirMode = 0x0002
	ModeExecute       DirMode = 0x0004
	ModeProtected     DirMode = 0x0008
	ModeFile          DirMode = 0x0010
	ModeDir           DirMode = 0x0020
	_                 DirMode = 0x0040 // unused bit
	Mode1Bit          DirMode = 0x0080 // "8": PS1-era single-partition flag
	ModePocketStation DirMode = 0x0800
	ModePSX           DirMode = 0x1000
	ModeHidden        DirMode = 0x2000
	ModeExists        DirMode = 0x8000
)

// modeBitChars is ordered low bit to high bit, matching modeBitValues.
var modeBitChars = []byte("rwxpfdD81C+KPH4")

var modeBitValues = []DirMode{
	ModeRead, ModeWrite, ModeExecute, ModeProtected, ModeFile, ModeDir,
	0x0040, Mode1Bit, 0x0100, 0x0200, 0x0400, ModePocketStation, ModePSX,
	ModeHidden, 0x4000,
}

// IsDir reports whether the entry names a directory.
func (m DirMode) IsDir() bool {
	return m&ModeDir != 0
}

// IsFile reports whether the entry names a regular file.
func (m DirMode) IsFile() bool {
	return m&ModeFile != 0
}

// IsProtected reports the card's own copy-protection flag -- files the
// console itself refuses to let the user delete or copy without going
// through a memory card manager.
func (m DirMode) IsProtected() bool {
	return m&ModeProtected != 0
}

// IsHidden reports whether the entry is hidden from normal listings.
func (m DirMode) IsHidden() bool {
	return m&ModeHidden != 0
}

// IsPSX reports whether this is a PS1 (PSX) format save.
func (m DirMode) IsPSX() bool {
	return m&ModePSX != 0
}

// IsPocketStation reports the PocketStation flag.
func (m DirMode) IsPocketStation() bool {
	return m&ModePocketStation != 0
}

// String renders m as the fixed-width "rwxpfdD81C+KPH4"-ordered bit
// string the original tool's directory listings use, with unset bits
// shown as '-'.
func (m DirMode) String() string {
	out := make([]byte, len(modeBitChars))
	for i, bit := range modeBitValues {
		if m&bit != 0 {
			out[i] = modeBitChars[i]
		} else {
			out[i] = '-'
		}
	}

	return string(out)
}

// Tod is the card's packed timestamp: BCD-free, a plain byte-per-field
// struct rather than a bitpacked integer (unlike ExfatTimestamp), because
// that's how the format actually lays it out on disk.
type Tod struct {
	_       uint8 // always 0
	Second  uint8
	Minute  uint8
	Hour    uint8
	Day     uint8
	Month   uint8
	Year    uint16
}

// todEpoch is the reference instant a zero Tod would denote; not actually
// produced by any real entry, and not referenced elsewhere in the package.
var todEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// ToTime converts t to a UTC time.Time.
func (t Tod) ToTime() time.Time {
	return time.Date(int(t.Year), time.Month(t.Month), int(t.Day), int(t.Hour), int(t.Minute), int(t.Second), 0, time.UTC)
}

// TodFromTime packs a time.Time into the card's Tod representation,
// truncating to whole seconds and converting to UTC first.
func TodFromTime(when time.Time) Tod {
	u := when.UTC()

	return Tod{
		Second: uint8(u.Second()),
		Minute: uint8(u.Minute()),
		Hour:   uint8(u.Hour()),
		Day:    uint8(u.Day()),
		Month:  uint8(u.Month()),
		Year:   uint16(u.Year()),
	}
}

// DirEntry is the 512-byte on-disk directory entry: a fixed attribute
// block up front (mode, timestamps, length, cluster pointer) followed by
// a long run of name bytes and reserved padding. Grounded on the
// teacher's ExfatFileDirectoryEntry in shape (restruct-tagged struct,
// doc comment per field) though the fields themselves are specific to
// this filesystem.
type DirEntry struct {
	Mode     DirMode
	_        uint16
	Length   uint32 // file size in bytes; for directories, the number of directory-entry slots ever created (including tombstones), stored on the directory's own "." entry
	Created  Tod
	Cluster  uint32 // first cluster of the entry's chain; 0 for empty files
	_        uint32
	Modified Tod
	Attr     uint32
	_        [28]byte
	Name     [32]byte
	_        [416]byte // reserved, unused by any known entry
}

// DecodeDirEntry parses a DirEntry out of exactly DirEntrySize bytes.
func DecodeDirEntry(buf []byte) (de *DirEntry, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(buf) != DirEntrySize {
		log.Panic(newError(FsCorruptKind, "directory entry must be exactly %d bytes, got %d", DirEntrySize, len(buf)))
	}

	de = &DirEntry{}
	if unpackErr := restruct.Unpack(buf, defaultByteOrder, de); unpackErr != nil {
		log.Panic(wrapError(FsCorruptKind, "", unpackErr))
	}

	return de, nil
}

// Encode packs de back into its 512-byte on-disk representation.
func (de *DirEntry) Encode() (buf []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	packed, packErr := restruct.Pack(defaultByteOrder, de)
	if packErr != nil {
		log.Panic(wrapError(IoErrorKind, "", packErr))
	}

	if len(packed) < DirEntrySize {
		padded := make([]byte, DirEntrySize)
		copy(padded, packed)
		packed = padded
	}

	return packed, nil
}

// NameString returns the entry's name as a Go string, stopping at the
// first NUL.
func (de *DirEntry) NameString() string {
	return string(zeroTerminate(de.Name[:]))
}

// SetName stores s into the entry's fixed-width Name field, truncating
// it (rather than erroring) if it doesn't fit -- names are validated for
// length before this is ever called.
func (de *DirEntry) SetName(s string) {
	for i := range de.Name {
		de.Name[i] = 0
	}

	copy(de.Name[:], s)
}

// GoString implements fmt.GoStringer with a compact debug representation
// (what "%#v" prints).
func (de *DirEntry) GoString() string {
	return fmt.Sprintf("DirEntry<NAME=[%s] MODE=[%s] LENGTH=(%d) CLUSTER=(%d)>",
		de.NameString(), de.Mode, de.Length, de.Cluster)
}
