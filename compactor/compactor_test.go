package compactor

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cubdb-go/cubdb/btree"
	"github.com/cubdb-go/cubdb/store"
)

// Test_Run_PreservesEntriesWithZeroDirt exercises scenario S2: compact a
// dirty tree and check every original get is unchanged, size is
// preserved, and the compacted tree starts at dirt=0.
func Test_Run_PreservesEntriesWithZeroDirt(t *testing.T) {
	dir, err := store.NewDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	st, err := store.Open(dir.Path(0, store.CommittedExt))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	source, err := btree.New(st, btree.Options{Order: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	want := map[string]string{}
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("k%04d", i)
		v := fmt.Sprintf("v%d", i)
		source, err = source.Insert([]byte(k), []byte(v), true)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		want[k] = v
	}
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("k%04d", i)
		source, err = source.Delete([]byte(k))
		if err != nil {
			t.Fatalf("Delete: %v", err)
		}
		delete(want, k)
	}

	if source.DirtFactor() == 0 {
		t.Fatal("expected source tree to have accumulated dirt")
	}

	res, err := Run(dir, 1, source, 8, zerolog.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Tree.Size() != uint64(len(want)) {
		t.Fatalf("expected size %d, got %d", len(want), res.Tree.Size())
	}
	if res.Tree.Dirt() != 0 {
		t.Fatalf("expected dirt 0 after compaction, got %d", res.Tree.Dirt())
	}
	for k, v := range want {
		got, ok, err := res.Tree.Lookup([]byte(k))
		if err != nil || !ok || string(got) != v {
			t.Fatalf("lookup(%q): got (%q,%v,%v) want (%q,true,nil)", k, got, ok, err, v)
		}
	}
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("k%04d", i)
		if _, ok, _ := res.Tree.Lookup([]byte(k)); ok {
			t.Fatalf("expected deleted key %q to be absent after compaction", k)
		}
	}
}
