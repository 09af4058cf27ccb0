package ps2mc

import (
	"bytes"
	"io"
	"testing"
)

func TestFileWriteReadRoundTrip(t *testing.T) {
	_, fs, err := formattedCard(StandardPagesPerCard)
	if err != nil {
		t.Fatalf("formattedCard: %v", err)
	}

	f, err := fs.Create("/HELLO.TXT", ModeRead|ModeWrite)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	payload := bytes.Repeat([]byte("hello world "), 200) // spans multiple clusters

	if _, err := f.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := fs.OpenFile("/HELLO.TXT", false)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("round-tripped file contents mismatch: got %d bytes, want %d", len(got), len(payload))
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFileSeekAndOverwrite(t *testing.T) {
	_, fs, err := formattedCard(StandardPagesPerCard)
	if err != nil {
		t.Fatalf("formattedCard: %v", err)
	}

	f, err := fs.Create("/A.BIN", ModeRead|ModeWrite)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := f.Write([]byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := f.Seek(5, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	if _, err := f.Write([]byte("XXXXX")); err != nil {
		t.Fatalf("Write overwrite: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := fs.OpenFile("/A.BIN", false)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer r.Close()

	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if string(got) != "01234XXXXX" {
		t.Fatalf("got %q, want %q", string(got), "01234XXXXX")
	}
}

func TestFileRejectsWriteAfterClose(t *testing.T) {
	_, fs, err := formattedCard(StandardPagesPerCard)
	if err != nil {
		t.Fatalf("formattedCard: %v", err)
	}

	f, err := fs.Create("/B.BIN", ModeRead|ModeWrite)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := f.Write([]byte("x")); err == nil {
		t.Fatalf("expected Write on a closed handle to fail")
	}
}
