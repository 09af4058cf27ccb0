package ps2mc

import (
	"bytes"
	"testing"
)

func newTestClusterStore(t *testing.T, badBlocks, backupBlocks []uint32) (*memDisk, *ClusterStore) {
	t.Helper()

	pageGeometry := PageGeometry{PageSize: StandardPageSize, SpareSize: StandardSpareSize, ECC: true}
	disk := newMemDisk(16 * int(pageGeometry.PageSize+pageGeometry.SpareSize))
	pages := NewPageStore(disk, pageGeometry, false)

	clusterGeometry := ClusterGeometry{PagesPerCluster: StandardPagesPerCluster, PagesPerEraseBlock: 4}

	cs, err := NewClusterStore(pages, clusterGeometry, badBlocks, backupBlocks)
	if err != nil {
		t.Fatalf("NewClusterStore: %v", err)
	}

	return disk, cs
}

func TestClusterStoreReadWriteRoundTrip(t *testing.T) {
	_, cs := newTestClusterStore(t, nil, nil)

	data := make([]byte, cs.ClusterSize())
	for i := range data {
		data[i] = byte(i)
	}

	if err := cs.WriteCluster(2, data); err != nil {
		t.Fatalf("WriteCluster: %v", err)
	}

	got, err := cs.ReadCluster(2)
	if err != nil {
		t.Fatalf("ReadCluster: %v", err)
	}

	if !bytes.Equal(got, data) {
		t.Fatalf("round-tripped cluster data mismatch")
	}
}

func TestClusterStoreRemapsBadBlock(t *testing.T) {
	// Block 0 (clusters 0-1) is bad, clusters remap to block 3 (clusters 6-7).
	_, cs := newTestClusterStore(t, []uint32{0}, []uint32{3})

	data := make([]byte, cs.ClusterSize())
	data[0] = 0xaa

	if err := cs.WriteCluster(0, data); err != nil {
		t.Fatalf("WriteCluster: %v", err)
	}

	got, err := cs.ReadCluster(0)
	if err != nil {
		t.Fatalf("ReadCluster: %v", err)
	}

	if got[0] != 0xaa {
		t.Fatalf("remapped cluster read mismatch: got %#x", got[0])
	}

	if cs.eraseBlockOf(cs.firstPage(0)) != 3 {
		t.Fatalf("cluster 0 did not remap to erase block 3")
	}
}

func TestClusterStoreRejectsWrongSizedWrite(t *testing.T) {
	_, cs := newTestClusterStore(t, nil, nil)

	if err := cs.WriteCluster(0, make([]byte, 10)); err == nil {
		t.Fatalf("expected an error writing undersized cluster data")
	}
}
