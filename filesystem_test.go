package ps2mc

import (
	"testing"
	"time"
)

func TestMkdirAndNestedCreate(t *testing.T) {
	_, fs, err := formattedCard(StandardPagesPerCard)
	if err != nil {
		t.Fatalf("formattedCard: %v", err)
	}

	if err := fs.Mkdir("/SAVE1"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	f, err := fs.Create("/SAVE1/icon.sys", ModeRead|ModeWrite)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := f.Write([]byte("PS2D")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := fs.List("/SAVE1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}

	found := false
	for _, e := range entries {
		if e.NameString() == "icon.sys" {
			found = true
		}
	}

	if !found {
		t.Fatalf("icon.sys missing from /SAVE1 listing: %v", entries)
	}
}

func TestRemoveRejectsNonEmptyDirectory(t *testing.T) {
	_, fs, err := formattedCard(StandardPagesPerCard)
	if err != nil {
		t.Fatalf("formattedCard: %v", err)
	}

	if err := fs.Mkdir("/SAVE1"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	f, err := fs.Create("/SAVE1/a", ModeRead|ModeWrite)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := fs.Remove("/SAVE1"); err == nil {
		t.Fatalf("expected Remove to reject a non-empty directory")
	}

	if err := fs.RemoveRecursive("/SAVE1"); err != nil {
		t.Fatalf("RemoveRecursive: %v", err)
	}

	if _, err := fs.List("/SAVE1"); err == nil {
		t.Fatalf("expected /SAVE1 to be gone after RemoveRecursive")
	}
}

func TestRenameRejectsCrossDirectoryMove(t *testing.T) {
	_, fs, err := formattedCard(StandardPagesPerCard)
	if err != nil {
		t.Fatalf("formattedCard: %v", err)
	}

	if err := fs.Mkdir("/DIR1"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	if err := fs.Mkdir("/DIR2"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	f, err := fs.Create("/DIR1/a", ModeRead|ModeWrite)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := fs.Rename("/DIR1/a", "/DIR1/b"); err != nil {
		t.Fatalf("same-directory Rename: %v", err)
	}

	if err := fs.Rename("/DIR1/b", "/DIR2/b"); err == nil {
		t.Fatalf("expected cross-directory Rename to fail")
	}
}

func TestGlobMatchesFinalComponent(t *testing.T) {
	_, fs, err := formattedCard(StandardPagesPerCard)
	if err != nil {
		t.Fatalf("formattedCard: %v", err)
	}

	for _, name := range []string{"SAVE1", "SAVE2", "OTHER"} {
		if err := fs.Mkdir("/" + name); err != nil {
			t.Fatalf("Mkdir(%s): %v", name, err)
		}
	}

	matches, err := fs.Glob("/SAVE*")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}

	if len(matches) != 2 {
		t.Fatalf("Glob(/SAVE*) = %v, want 2 matches", matches)
	}
}

func TestCheckReportsOK(t *testing.T) {
	_, fs, err := formattedCard(StandardPagesPerCard)
	if err != nil {
		t.Fatalf("formattedCard: %v", err)
	}

	if err := fs.Mkdir("/SAVE1"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	f, err := fs.Create("/SAVE1/a", ModeRead|ModeWrite)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.Write([]byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ok, issues, err := fs.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	if !ok {
		t.Fatalf("Check reported issues on a clean filesystem: %v", issues)
	}
}

func TestCheckDetectsOrphanedChain(t *testing.T) {
	_, fs, err := formattedCard(StandardPagesPerCard)
	if err != nil {
		t.Fatalf("formattedCard: %v", err)
	}

	if _, err := fs.fat.AllocateChain(1, fs.allocatableClusterCount()); err != nil {
		t.Fatalf("AllocateChain: %v", err)
	}

	if err := fs.fat.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	ok, issues, err := fs.Check()
	if err != nil {
		t.Fatalf("Check: %v", err)
	}

	if ok {
		t.Fatalf("expected Check to flag the orphaned allocated cluster")
	}

	foundOrphan := false
	for _, issue := range issues {
		if issue.Kind == CheckOrphanChain {
			foundOrphan = true
		}
	}

	if !foundOrphan {
		t.Fatalf("Check issues did not include CheckOrphanChain: %v", issues)
	}
}

func TestGetSetDirEntAppliesMaskAPI(t *testing.T) {
	_, fs, err := formattedCard(StandardPagesPerCard)
	if err != nil {
		t.Fatalf("formattedCard: %v", err)
	}

	f, err := fs.Create("/A.BIN", ModeRead|ModeWrite)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	de, err := fs.GetDirEnt("/A.BIN")
	if err != nil {
		t.Fatalf("GetDirEnt: %v", err)
	}

	if de.Mode.IsHidden() || de.Mode.IsProtected() {
		t.Fatalf("freshly created file unexpectedly hidden/protected: %s", de.Mode)
	}

	if err := fs.SetDirEnt("/A.BIN", ModeHidden|ModeProtected, ModeWrite); err != nil {
		t.Fatalf("SetDirEnt: %v", err)
	}

	de, err = fs.GetDirEnt("/A.BIN")
	if err != nil {
		t.Fatalf("GetDirEnt after SetDirEnt: %v", err)
	}

	if !de.Mode.IsHidden() || !de.Mode.IsProtected() {
		t.Fatalf("SetDirEnt did not set the requested bits: %s", de.Mode)
	}

	if de.Mode&ModeWrite != 0 {
		t.Fatalf("SetDirEnt did not clear ModeWrite: %s", de.Mode)
	}

	if de.Mode&ModeExists == 0 {
		t.Fatalf("SetDirEnt must not clear ModeExists: %s", de.Mode)
	}
}

func TestSetTimesOverridesTimestamps(t *testing.T) {
	_, fs, err := formattedCard(StandardPagesPerCard)
	if err != nil {
		t.Fatalf("formattedCard: %v", err)
	}

	f, err := fs.Create("/A.BIN", ModeRead|ModeWrite)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	when := time.Date(2004, time.June, 1, 12, 0, 0, 0, time.UTC)

	if err := fs.SetTimes("/A.BIN", when, when); err != nil {
		t.Fatalf("SetTimes: %v", err)
	}

	de, err := fs.GetDirEnt("/A.BIN")
	if err != nil {
		t.Fatalf("GetDirEnt: %v", err)
	}

	if !de.Created.ToTime().Equal(when) {
		t.Fatalf("Created = %v, want %v", de.Created.ToTime(), when)
	}

	if !de.Modified.ToTime().Equal(when) {
		t.Fatalf("Modified = %v, want %v", de.Modified.ToTime(), when)
	}
}

func TestGetFreeSpaceDecreasesAfterAllocation(t *testing.T) {
	_, fs, err := formattedCard(StandardPagesPerCard)
	if err != nil {
		t.Fatalf("formattedCard: %v", err)
	}

	freeBefore, total, err := fs.GetFreeSpace()
	if err != nil {
		t.Fatalf("GetFreeSpace: %v", err)
	}

	f, err := fs.Create("/BIG.BIN", ModeRead|ModeWrite)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	data := make([]byte, fs.ClusterSize()*3)
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	freeAfter, totalAfter, err := fs.GetFreeSpace()
	if err != nil {
		t.Fatalf("GetFreeSpace: %v", err)
	}

	if totalAfter != total {
		t.Fatalf("total cluster count changed: %d -> %d", total, totalAfter)
	}

	if freeAfter >= freeBefore {
		t.Fatalf("expected free space to shrink after writing a 3-cluster file, before=%d after=%d", freeBefore, freeAfter)
	}
}
