package archive

import (
	"bytes"
	"io"
	"testing"

	"github.com/dsoprea/go-ps2mc"
)

// memDisk is a minimal in-memory io.ReadWriteSeeker standing in for a card
// image file, the archive package's own copy of the root package's test
// fixture (unexported there, so not reusable across package boundaries).
type memDisk struct {
	buf []byte
	pos int64
}

func newMemDisk(size int) *memDisk {
	return &memDisk{buf: make([]byte, size)}
}

func (m *memDisk) Read(p []byte) (int, error) {
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}

	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)

	return n, nil
}

func (m *memDisk) Write(p []byte) (int, error) {
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}

	n := copy(m.buf[m.pos:], p)
	m.pos += int64(n)

	return n, nil
}

func (m *memDisk) Seek(offset int64, whence int) (int64, error) {
	var newPos int64

	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = m.pos + offset
	case io.SeekEnd:
		newPos = int64(len(m.buf)) + offset
	}

	m.pos = newPos

	return m.pos, nil
}

func formattedCard(t *testing.T) *ps2mc.FS {
	t.Helper()

	size := int(ps2mc.StandardPagesPerCard) * (ps2mc.StandardPageSize + ps2mc.StandardSpareSize)
	disk := newMemDisk(size)

	if err := ps2mc.Format(disk, ps2mc.FormatParams{Pages: ps2mc.StandardPagesPerCard}); err != nil {
		t.Fatalf("Format: %v", err)
	}

	fs, err := ps2mc.Open(disk, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	return fs
}

func TestImportSaveFileAppliesModeAndTimestamps(t *testing.T) {
	fs := formattedCard(t)

	sf := sampleSaveFile()
	sf.Attrs.Mode = uint16(ps2mc.ModeProtected)
	sf.Files[0].Attrs.Mode = uint16(ps2mc.ModeHidden)

	imported, err := ImportSaveFile(fs, sf, false, "")
	if err != nil {
		t.Fatalf("ImportSaveFile: %v", err)
	}

	if !imported {
		t.Fatalf("expected ImportSaveFile to report a fresh import")
	}

	dirEnt, err := fs.GetDirEnt("/" + sf.DirName)
	if err != nil {
		t.Fatalf("GetDirEnt(dir): %v", err)
	}

	if !dirEnt.Mode.IsProtected() {
		t.Fatalf("imported directory lost its protected mode bit")
	}

	if !dirEnt.Created.ToTime().Equal(sf.Attrs.Created) {
		t.Fatalf("imported directory Created = %v, want %v", dirEnt.Created.ToTime(), sf.Attrs.Created)
	}

	fileEnt, err := fs.GetDirEnt("/" + sf.DirName + "/" + sf.Files[0].Name)
	if err != nil {
		t.Fatalf("GetDirEnt(file): %v", err)
	}

	if !fileEnt.Mode.IsHidden() {
		t.Fatalf("imported file lost its hidden mode bit")
	}

	if !fileEnt.Modified.ToTime().Equal(sf.Files[0].Attrs.Modified) {
		t.Fatalf("imported file Modified = %v, want %v", fileEnt.Modified.ToTime(), sf.Files[0].Attrs.Modified)
	}
}

func TestImportSaveFileIgnoreExisting(t *testing.T) {
	fs := formattedCard(t)

	sf := sampleSaveFile()

	if _, err := ImportSaveFile(fs, sf, false, ""); err != nil {
		t.Fatalf("first ImportSaveFile: %v", err)
	}

	imported, err := ImportSaveFile(fs, sampleSaveFile(), true, "")
	if err != nil {
		t.Fatalf("second ImportSaveFile: %v", err)
	}

	if imported {
		t.Fatalf("expected ImportSaveFile to skip an already-imported directory")
	}

	if _, err := ImportSaveFile(fs, sampleSaveFile(), false, ""); err == nil {
		t.Fatalf("expected ImportSaveFile to fail on an existing directory without ignoreExisting")
	}
}

func TestExportImportSaveFileRoundTrip(t *testing.T) {
	fs := formattedCard(t)

	sf := sampleSaveFile()

	if _, err := ImportSaveFile(fs, sf, false, ""); err != nil {
		t.Fatalf("ImportSaveFile: %v", err)
	}

	exported, err := ExportSaveFile(fs, "/"+sf.DirName)
	if err != nil {
		t.Fatalf("ExportSaveFile: %v", err)
	}

	if exported.DirName != sf.DirName {
		t.Fatalf("DirName = %q, want %q", exported.DirName, sf.DirName)
	}

	if len(exported.Files) != len(sf.Files) {
		t.Fatalf("Files len = %d, want %d", len(exported.Files), len(sf.Files))
	}

	for i, f := range exported.Files {
		if f.Name != sf.Files[i].Name {
			t.Fatalf("Files[%d].Name = %q, want %q", i, f.Name, sf.Files[i].Name)
		}

		if !bytes.Equal(f.Data, sf.Files[i].Data) {
			t.Fatalf("Files[%d].Data did not round-trip", i)
		}

		if !f.Attrs.Modified.Equal(sf.Files[i].Attrs.Modified) {
			t.Fatalf("Files[%d].Attrs.Modified = %v, want %v", i, f.Attrs.Modified, sf.Files[i].Attrs.Modified)
		}
	}
}

func TestImportSaveFileWithTarget(t *testing.T) {
	fs := formattedCard(t)

	sf := sampleSaveFile()

	if _, err := ImportSaveFile(fs, sf, false, "RENAMED"); err != nil {
		t.Fatalf("ImportSaveFile: %v", err)
	}

	if _, err := fs.GetDirEnt("/RENAMED"); err != nil {
		t.Fatalf("GetDirEnt(/RENAMED): %v", err)
	}

	if _, err := fs.GetDirEnt("/" + sf.DirName); err == nil {
		t.Fatalf("expected import to land only at the target name, not sf.DirName")
	}
}
