package archive

import (
	"bytes"
	"compress/zlib"
	"testing"
)

func buildMAX(t *testing.T, psuPayload []byte, name string) []byte {
	t.Helper()

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(psuPayload); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}

	header := make([]byte, maxHeaderSize)
	copy(header, []byte(maxMagic))
	copy(header[len(maxMagic):], []byte(name))

	return append(header, compressed.Bytes()...)
}

func TestImportMAX(t *testing.T) {
	sf := sampleSaveFile()

	psuRaw, err := exportPSU(sf)
	if err != nil {
		t.Fatalf("exportPSU: %v", err)
	}

	maxRaw := buildMAX(t, psuRaw, "BESLES-12345SAVE")

	format, err := DetectFormat(maxRaw)
	if err != nil {
		t.Fatalf("DetectFormat: %v", err)
	}

	if format != FormatMAX {
		t.Fatalf("DetectFormat = %q, want %q", format, FormatMAX)
	}

	imported, err := Import(FormatMAX, maxRaw)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	if imported.DirName != "BESLES-12345SAVE" {
		t.Fatalf("DirName = %q", imported.DirName)
	}

	if len(imported.Files) != len(sf.Files) {
		t.Fatalf("Files len = %d, want %d", len(imported.Files), len(sf.Files))
	}
}

func TestImportMAXRejectsBadMagic(t *testing.T) {
	raw := make([]byte, maxHeaderSize+8)
	copy(raw, []byte("NotMagic"))

	if _, err := importMAX(raw); err == nil {
		t.Fatalf("expected importMAX to reject a bad magic")
	}
}
