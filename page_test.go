package ps2mc

import "testing"

func newTestPageStore(t *testing.T, ecc bool) (*memDisk, *PageStore) {
	t.Helper()

	geometry := PageGeometry{PageSize: StandardPageSize, SpareSize: StandardSpareSize, ECC: ecc}

	stride := int64(geometry.PageSize)
	if ecc {
		stride += int64(geometry.SpareSize)
	}

	disk := newMemDisk(int(stride) * 4)

	return disk, NewPageStore(disk, geometry, false)
}

func TestPageStoreWriteReadRoundTrip(t *testing.T) {
	_, ps := newTestPageStore(t, true)

	data := make([]byte, StandardPageSize)
	for i := range data {
		data[i] = byte(i)
	}

	if err := ps.WritePage(1, data); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := ps.ReadPage(1)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}

	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d: got %d want %d", i, got[i], data[i])
		}
	}
}

func TestPageStoreCorrectsSingleBitError(t *testing.T) {
	disk, ps := newTestPageStore(t, true)

	data := make([]byte, StandardPageSize)
	for i := range data {
		data[i] = byte(i * 3)
	}

	if err := ps.WritePage(0, data); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	// Flip one data bit directly on the backing store, bypassing WritePage.
	disk.buf[10] ^= 0x01

	got, err := ps.ReadPage(0)
	if err != nil {
		t.Fatalf("ReadPage after single-bit corruption: %v", err)
	}

	if ps.CorrectionCount != 1 {
		t.Errorf("CorrectionCount = %d, want 1", ps.CorrectionCount)
	}

	if got[10] != data[10] {
		t.Errorf("corrected byte 10 = %d, want %d", got[10], data[10])
	}
}

func TestPageStoreIgnoreECCToleratesBadData(t *testing.T) {
	disk, ps := newTestPageStore(t, true)

	data := make([]byte, StandardPageSize)
	if err := ps.WritePage(0, data); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	disk.buf[0] ^= 0x01
	disk.buf[1] ^= 0x02

	if _, err := ps.ReadPage(0); err == nil {
		t.Fatalf("expected an uncorrectable ECC error without ignoreECC")
	}

	ignoring := NewPageStore(disk, ps.Geometry(), true)
	if _, err := ignoring.ReadPage(0); err != nil {
		t.Fatalf("ReadPage with ignoreECC should not fail: %v", err)
	}
}

func TestPageStoreBadBlockMarking(t *testing.T) {
	_, ps := newTestPageStore(t, true)

	if err := ps.EraseBlock(0, 4); err != nil {
		t.Fatalf("EraseBlock: %v", err)
	}

	bad, err := ps.IsBlockBad(0)
	if err != nil {
		t.Fatalf("IsBlockBad: %v", err)
	}

	if bad {
		t.Fatalf("freshly erased block reported bad")
	}

	if err := ps.MarkBlockBad(0, 4); err != nil {
		t.Fatalf("MarkBlockBad: %v", err)
	}

	bad, err = ps.IsBlockBad(0)
	if err != nil {
		t.Fatalf("IsBlockBad after marking: %v", err)
	}

	if !bad {
		t.Fatalf("expected block to be marked bad")
	}
}

func TestPageStoreNoECCSkipsSpare(t *testing.T) {
	geometry := PageGeometry{PageSize: StandardPageSize, SpareSize: StandardSpareSize, ECC: false}
	disk := newMemDisk(int(geometry.PageSize) * 2)
	ps := NewPageStore(disk, geometry, false)

	data := make([]byte, StandardPageSize)
	data[0] = 0x42

	if err := ps.WritePage(0, data); err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := ps.ReadPage(0)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}

	if got[0] != 0x42 {
		t.Errorf("got[0] = %#x, want 0x42", got[0])
	}
}
