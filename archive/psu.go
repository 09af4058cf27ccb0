package archive

import (
	"fmt"
	"time"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// psuEntrySize is the fixed size of one PSU directory-entry header. PSU
// reuses the memory card's own 512-byte directory entry layout verbatim,
// which is what lets mymc.py build a PSU file by concatenating entries
// and file data directly off the card with no transcoding.
const psuEntrySize = 512

// psuTod mirrors the card's packed timestamp layout (see ps2mc.Tod):
// a reserved byte, then second/minute/hour/day/month as single bytes,
// then a 16-bit year.
type psuTod struct {
	_      uint8
	Second uint8
	Minute uint8
	Hour   uint8
	Day    uint8
	Month  uint8
	Year   uint16
}

func (t psuTod) toTime() time.Time {
	return time.Date(int(t.Year), time.Month(t.Month), int(t.Day), int(t.Hour), int(t.Minute), int(t.Second), 0, time.UTC)
}

func psuTodFromTime(when time.Time) psuTod {
	u := when.UTC()
	return psuTod{
		Second: uint8(u.Second()),
		Minute: uint8(u.Minute()),
		Hour:   uint8(u.Hour()),
		Day:    uint8(u.Day()),
		Month:  uint8(u.Month()),
		Year:   uint16(u.Year()),
	}
}

// psuHeader is one 512-byte PSU directory-entry header.
type psuHeader struct {
	Mode     uint16
	_        uint16
	Length   uint32
	Created  psuTod
	_        uint32 // cluster, unused in an archive
	DirCount uint32 // for the folder header, the entry count including "." and ".."
	Modified psuTod
	Attr     uint32
	_        [28]byte
	Name     [32]byte
	_        [416]byte
}

const (
	psuModeDir    = 0x0020
	psuModeFile   = 0x0010
	psuModeExists = 0x8000
)

func decodePSUHeader(buf []byte) (h *psuHeader, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(buf) < psuEntrySize {
		log.Panic(fmt.Errorf("PSU header truncated: %d bytes", len(buf)))
	}

	h = &psuHeader{}
	if unpackErr := restruct.Unpack(buf[:psuEntrySize], defaultOrder, h); unpackErr != nil {
		log.Panic(unpackErr)
	}

	return h, nil
}

func (h *psuHeader) encode() (buf []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	packed, packErr := restruct.Pack(defaultOrder, h)
	if packErr != nil {
		log.Panic(packErr)
	}

	if len(packed) < psuEntrySize {
		padded := make([]byte, psuEntrySize)
		copy(padded, packed)
		packed = padded
	}

	return packed, nil
}

func (h *psuHeader) nameString() string {
	for i, c := range h.Name {
		if c == 0 {
			return string(h.Name[:i])
		}
	}

	return string(h.Name[:])
}

func (h *psuHeader) setName(s string) {
	for i := range h.Name {
		h.Name[i] = 0
	}

	copy(h.Name[:], s)
}

// looksLikePSU applies a weak structural check to the would-be folder
// header: a plausible mode and a DirCount of at least 2 ("." and "..").
// PSU has no magic number of its own, so this is the best a sniffer can
// do without a filename extension to lean on -- mirroring mymc.py, which
// falls back to exactly this kind of heuristic.
func looksLikePSU(buf []byte) bool {
	h, err := decodePSUHeader(buf)
	if err != nil {
		return false
	}

	return h.Mode&psuModeDir != 0 && h.DirCount >= 2
}

// importPSU decodes a PSU container: a folder header, then "." and ".."
// headers, then one (file header, file data) pair per file.
func importPSU(raw []byte) (sf *SaveFile, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	pos := 0

	folderHeader, decodeErr := decodePSUHeader(raw[pos : pos+psuEntrySize])
	if decodeErr != nil {
		log.Panic(decodeErr)
	}
	pos += psuEntrySize

	sf = &SaveFile{
		DirName: folderHeader.nameString(),
		Attrs: DirEntryAttrs{
			Mode:     folderHeader.Mode,
			Created:  folderHeader.Created.toTime(),
			Modified: folderHeader.Modified.toTime(),
		},
	}

	nFiles := int(folderHeader.DirCount) - 2
	if nFiles < 0 {
		log.Panic(fmt.Errorf("PSU folder header has impossible entry count %d", folderHeader.DirCount))
	}

	// Skip "." and "..".
	for i := 0; i < 2; i++ {
		if pos+psuEntrySize > len(raw) {
			log.Panic(fmt.Errorf("PSU container truncated before '.'/'..' entries"))
		}

		pos += psuEntrySize
	}

	for i := 0; i < nFiles; i++ {
		if pos+psuEntrySize > len(raw) {
			log.Panic(fmt.Errorf("PSU container truncated at file entry %d", i))
		}

		fileHeader, fhErr := decodePSUHeader(raw[pos : pos+psuEntrySize])
		if fhErr != nil {
			log.Panic(fhErr)
		}
		pos += psuEntrySize

		length := int(fileHeader.Length)
		if pos+length > len(raw) {
			log.Panic(fmt.Errorf("PSU container truncated in file data for %s", fileHeader.nameString()))
		}

		data := make([]byte, length)
		copy(data, raw[pos:pos+length])
		pos += length

		sf.Files = append(sf.Files, SaveFileEntry{
			Name: fileHeader.nameString(),
			Attrs: DirEntryAttrs{
				Mode:     fileHeader.Mode,
				Length:   fileHeader.Length,
				Created:  fileHeader.Created.toTime(),
				Modified: fileHeader.Modified.toTime(),
			},
			Data: data,
		})
	}

	return sf, nil
}

// exportPSU encodes sf into a PSU container.
func exportPSU(sf *SaveFile) (raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	folderHeader := &psuHeader{
		Mode:     sf.Attrs.Mode | psuModeDir | psuModeExists,
		DirCount: uint32(len(sf.Files) + 2),
		Created:  psuTodFromTime(sf.Attrs.Created),
		Modified: psuTodFromTime(sf.Attrs.Modified),
	}
	folderHeader.setName(sf.DirName)

	folderBuf, encodeErr := folderHeader.encode()
	if encodeErr != nil {
		log.Panic(encodeErr)
	}

	raw = append(raw, folderBuf...)

	dot := &psuHeader{Mode: psuModeDir | psuModeExists, Created: folderHeader.Created, Modified: folderHeader.Modified}
	dot.setName(".")
	dotBuf, _ := dot.encode()
	raw = append(raw, dotBuf...)

	dotdot := &psuHeader{Mode: psuModeDir | psuModeExists, Created: folderHeader.Created, Modified: folderHeader.Modified}
	dotdot.setName("..")
	dotdotBuf, _ := dotdot.encode()
	raw = append(raw, dotdotBuf...)

	for _, f := range sf.Files {
		fileHeader := &psuHeader{
			Mode:     f.Attrs.Mode | psuModeFile | psuModeExists,
			Length:   uint32(len(f.Data)),
			Created:  psuTodFromTime(f.Attrs.Created),
			Modified: psuTodFromTime(f.Attrs.Modified),
		}
		fileHeader.setName(f.Name)

		fileBuf, fhErr := fileHeader.encode()
		if fhErr != nil {
			log.Panic(fhErr)
		}

		raw = append(raw, fileBuf...)
		raw = append(raw, f.Data...)
	}

	return raw, nil
}
