// Package archive reads and writes the portable save-file container
// formats used to move a single save folder in and out of a memory card
// image: PSU, MAX, CBS, and SPS. Grounded on mymc.py's do_import/
// do_export/detect_file_type, generalized from that script's ad hoc
// dispatch into one SaveFile value and one format-specific codec per
// file.
package archive

import (
	"fmt"
	"io"
	"path"
	"time"

	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-ps2mc"
)

// DirEntryAttrs is the subset of a memory-card directory entry's
// metadata a save-archive container actually carries: mode bits,
// timestamps, and length. It deliberately mirrors ps2mc.DirEntry's
// fields rather than importing that type directly, keeping this package
// free of a dependency on the root package's cluster/FAT machinery -- an
// archive is just bytes in, bytes out.
type DirEntryAttrs struct {
	Mode     uint16
	Length   uint32
	Created  time.Time
	Modified time.Time
}

// SaveFileEntry is one file inside a save folder.
type SaveFileEntry struct {
	Name string
	Attrs DirEntryAttrs
	Data []byte
}

// SaveFile is an in-memory representation of an entire save folder: its
// own directory metadata plus every file it contains. ImportSaveFile/
// ExportSaveFile translate between this and a concrete container format;
// the root package's FS is responsible for translating between this and
// an actual directory on a card image.
type SaveFile struct {
	DirName string
	Attrs   DirEntryAttrs
	Files   []SaveFileEntry
}

// Format names a recognized container format.
type Format string

// Recognized container formats, named the way mymc.py's detect_file_type
// named them.
const (
	FormatPSU Format = "psu"
	FormatMAX Format = "max"
	FormatCBS Format = "cbs"
	FormatSPS Format = "sps"
)

// ErrUnrecognizedFormat is returned by DetectFormat when buf doesn't
// match any known container's header.
var ErrUnrecognizedFormat = fmt.Errorf("unrecognized save archive format")

// DetectFormat identifies which container format buf (the first bytes
// of a candidate file) holds, by checking each format's distinguishing
// header the same way mymc.py's detect_file_type does: PSU by its tar-
// like fixed directory-entry header, MAX by its "Ps2PowerSave" magic,
// CBS by its "Cbs\1" magic, SPS by its "SharkPortSave" magic.
func DetectFormat(buf []byte) (Format, error) {
	switch {
	case len(buf) >= 12 && string(buf[0:12]) == "Ps2PowerSave":
		return FormatMAX, nil
	case len(buf) >= 4 && string(buf[0:4]) == "Cbs\x01":
		return FormatCBS, nil
	case len(buf) >= 13 && string(buf[0:13]) == "SharkPortSave":
		return FormatSPS, nil
	case len(buf) >= psuEntrySize && looksLikePSU(buf):
		return FormatPSU, nil
	default:
		return "", ErrUnrecognizedFormat
	}
}

// Import decodes raw (the full contents of a container file) in format
// into a SaveFile.
func Import(format Format, raw []byte) (sf *SaveFile, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	switch format {
	case FormatPSU:
		return importPSU(raw)
	case FormatMAX:
		return importMAX(raw)
	case FormatCBS:
		return importCBS(raw)
	case FormatSPS:
		return importSPS(raw)
	default:
		log.Panicf("unsupported archive format: %s", format)
		return nil, nil
	}
}

// Export encodes sf into format's on-disk representation.
func Export(format Format, sf *SaveFile) (raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	switch format {
	case FormatPSU:
		return exportPSU(sf)
	case FormatMAX:
		return nil, fmt.Errorf("exporting to MAX is not supported, MAX is read-only")
	case FormatCBS:
		return nil, fmt.Errorf("exporting to CBS is not supported, CBS is read-only")
	case FormatSPS:
		return nil, fmt.Errorf("exporting to SPS is not supported, SPS is read-only")
	default:
		log.Panicf("unsupported archive format: %s", format)
		return nil, nil
	}
}

// ImportSaveFile materializes sf as a directory on fs, mirroring mymc.py's
// mc.import_save_file(sf, ignore_existing, target): target, when non-empty,
// overrides the destination directory name sf.DirName would otherwise
// create under. If the destination already exists, ImportSaveFile returns
// (false, nil) without writing anything when ignoreExisting is set, or
// fails otherwise -- it never silently overwrites an existing save.
//
// Every imported file (and the directory itself) has its mode and
// timestamps restored from sf's own metadata via SetDirEnt/SetTimes, rather
// than being left stamped with Create's wall-clock defaults.
func ImportSaveFile(fs *ps2mc.FS, sf *SaveFile, ignoreExisting bool, target string) (imported bool, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	dirName := target
	if dirName == "" {
		dirName = sf.DirName
	}

	destDir := path.Join("/", dirName)

	if _, listErr := fs.List(destDir); listErr == nil {
		if ignoreExisting {
			return false, nil
		}

		log.Panic(fmt.Errorf("%s: already exists", destDir))
	}

	if mkdirErr := fs.Mkdir(destDir); mkdirErr != nil {
		log.Panic(mkdirErr)
	}

	if setErr := fs.SetDirEnt(destDir, ps2mc.DirMode(sf.Attrs.Mode), 0); setErr != nil {
		log.Panic(setErr)
	}

	if !sf.Attrs.Modified.IsZero() {
		if timeErr := fs.SetTimes(destDir, sf.Attrs.Created, sf.Attrs.Modified); timeErr != nil {
			log.Panic(timeErr)
		}
	}

	for _, entry := range sf.Files {
		p := path.Join(destDir, entry.Name)

		dest, createErr := fs.Create(p, ps2mc.DirMode(entry.Attrs.Mode)|ps2mc.ModeRead|ps2mc.ModeWrite)
		if createErr != nil {
			log.Panic(createErr)
		}

		if _, writeErr := dest.Write(entry.Data); writeErr != nil {
			log.Panic(writeErr)
		}

		if closeErr := dest.Close(); closeErr != nil {
			log.Panic(closeErr)
		}

		if setErr := fs.SetDirEnt(p, ps2mc.DirMode(entry.Attrs.Mode), 0); setErr != nil {
			log.Panic(setErr)
		}

		if !entry.Attrs.Modified.IsZero() {
			if timeErr := fs.SetTimes(p, entry.Attrs.Created, entry.Attrs.Modified); timeErr != nil {
				log.Panic(timeErr)
			}
		}
	}

	return true, nil
}

// ExportSaveFile reads the directory named by dir off fs into a SaveFile,
// the mirror of ImportSaveFile and of mymc.py's mc.export_save_file. The
// directory's own mode/timestamps are carried in the result's Attrs the
// same way each file's are.
func ExportSaveFile(fs *ps2mc.FS, dir string) (sf *SaveFile, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	dirEnt, dirErr := fs.GetDirEnt(dir)
	if dirErr != nil {
		log.Panic(dirErr)
	}

	entries, listErr := fs.List(dir)
	if listErr != nil {
		log.Panic(listErr)
	}

	sf = &SaveFile{
		DirName: path.Base(dir),
		Attrs: DirEntryAttrs{
			Mode:     uint16(dirEnt.Mode),
			Created:  dirEnt.Created.ToTime(),
			Modified: dirEnt.Modified.ToTime(),
		},
	}

	for _, e := range entries {
		name := e.NameString()
		if name == "." || name == ".." || e.Mode.IsDir() {
			continue
		}

		handle, openErr := fs.OpenFile(path.Join(dir, name), false)
		if openErr != nil {
			log.Panic(openErr)
		}

		data := make([]byte, e.Length)
		if _, readErr := io.ReadFull(handle, data); readErr != nil {
			log.Panic(readErr)
		}

		if closeErr := handle.Close(); closeErr != nil {
			log.Panic(closeErr)
		}

		sf.Files = append(sf.Files, SaveFileEntry{
			Name: name,
			Attrs: DirEntryAttrs{
				Mode:     uint16(e.Mode),
				Length:   e.Length,
				Created:  e.Created.ToTime(),
				Modified: e.Modified.ToTime(),
			},
			Data: data,
		})
	}

	return sf, nil
}
