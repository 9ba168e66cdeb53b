package cleanup

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cubdb-go/cubdb/coordinator"
	"github.com/cubdb-go/cubdb/store"
)

func touch(t *testing.T, dir *store.Directory, id uint32, ext string) {
	t.Helper()
	if err := os.WriteFile(dir.Path(id, ext), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func await(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cleanup job failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cleanup job")
	}
}

// Test_CleanUp_RemovesOnlyObsoleteCommittedFiles covers invariant I8: a
// file still checked out by a reader (busy) survives even though it is
// not the current file, while a file that is neither current nor busy
// is removed.
func Test_CleanUp_RemovesOnlyObsoleteCommittedFiles(t *testing.T) {
	dir, err := store.NewDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	touch(t, dir, 0, store.CommittedExt)
	touch(t, dir, 1, store.CommittedExt)
	touch(t, dir, 2, store.CommittedExt)

	busy := coordinator.NewBusyFiles()
	busy.CheckOut(1) // a reader is still using file 1

	w := NewWorker(dir, busy, zerolog.Nop())
	defer w.Stop()

	await(t, w.CleanUp(2)) // 2 is current

	if _, err := os.Stat(dir.Path(0, store.CommittedExt)); !os.IsNotExist(err) {
		t.Fatal("expected obsolete file 0 to be removed")
	}
	if _, err := os.Stat(dir.Path(1, store.CommittedExt)); err != nil {
		t.Fatalf("expected busy file 1 to survive cleanup, stat error: %v", err)
	}
	if _, err := os.Stat(dir.Path(2, store.CommittedExt)); err != nil {
		t.Fatalf("expected current file 2 to survive cleanup, stat error: %v", err)
	}

	busy.CheckIn(1)
	await(t, w.CleanUp(2))
	if _, err := os.Stat(dir.Path(1, store.CommittedExt)); !os.IsNotExist(err) {
		t.Fatal("expected file 1 to be removed once no longer busy")
	}
}

func Test_CleanUpOldCompactionFiles_RemovesAbandonedCompactFiles(t *testing.T) {
	dir, err := store.NewDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	touch(t, dir, 5, store.CompactingExt)
	touch(t, dir, 6, store.CommittedExt)

	w := NewWorker(dir, coordinator.NewBusyFiles(), zerolog.Nop())
	defer w.Stop()

	await(t, w.CleanUpOldCompactionFiles())

	if _, err := os.Stat(dir.Path(5, store.CompactingExt)); !os.IsNotExist(err) {
		t.Fatal("expected abandoned .compact file to be removed")
	}
	if _, err := os.Stat(dir.Path(6, store.CommittedExt)); err != nil {
		t.Fatalf("expected committed file to be untouched, stat error: %v", err)
	}
}

func Test_NewWorker_CompletesSuccessiveJobs(t *testing.T) {
	dir, err := store.NewDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	w := NewWorker(dir, coordinator.NewBusyFiles(), zerolog.Nop())
	defer w.Stop()

	// Queue several jobs one after another, awaiting each; none should
	// error even though the directory has nothing to clean up, confirming
	// every queued job is picked up and completed.
	for i := 0; i < 5; i++ {
		await(t, w.CleanUp(uint32(i)))
	}
}
