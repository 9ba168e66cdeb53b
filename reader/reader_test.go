package reader

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/cubdb-go/cubdb/btree"
	"github.com/cubdb-go/cubdb/store"
)

// fakeSnapshotter hands out a fixed snapshot and records the file id of
// every Release call, standing in for coordinator.Coordinator +
// coordinator.BusyFiles.
type fakeSnapshotter struct {
	tree     *btree.Btree
	fileID   uint32
	released []uint32
}

func (f *fakeSnapshotter) Snapshot() (*btree.Btree, uint32) { return f.tree, f.fileID }
func (f *fakeSnapshotter) Release(fileID uint32)            { f.released = append(f.released, fileID) }

func newTestTree(t *testing.T) *btree.Btree {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "0.cub"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	bt, err := btree.New(st, btree.Options{Order: 8})
	if err != nil {
		t.Fatalf("btree.New: %v", err)
	}
	bt, err = bt.Insert([]byte("a"), []byte("1"), true)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return bt
}

func Test_Run_ReleasesFileOnSuccess(t *testing.T) {
	src := &fakeSnapshotter{tree: newTestTree(t), fileID: 7}
	r := New(src, zerolog.Nop(), nil)

	result, err := r.Run(func(t *btree.Btree) (any, error) {
		v, ok, err := t.Lookup([]byte("a"))
		if err != nil || !ok {
			return nil, err
		}
		return string(v), nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.(string) != "1" {
		t.Fatalf("expected \"1\", got %v", result)
	}
	if len(src.released) != 1 || src.released[0] != 7 {
		t.Fatalf("expected file 7 to be released exactly once, got %v", src.released)
	}
}

func Test_Run_ReleasesFileOnError(t *testing.T) {
	src := &fakeSnapshotter{tree: newTestTree(t), fileID: 3}
	r := New(src, zerolog.Nop(), nil)

	_, err := r.Run(func(t *btree.Btree) (any, error) {
		return nil, errors.New("not found")
	})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if len(src.released) != 1 || src.released[0] != 3 {
		t.Fatalf("expected file 3 to be released exactly once, got %v", src.released)
	}
}

func Test_Run_ReleasesFileAndConvertsPanic(t *testing.T) {
	src := &fakeSnapshotter{tree: newTestTree(t), fileID: 9}
	r := New(src, zerolog.Nop(), nil)

	_, err := r.Run(func(t *btree.Btree) (any, error) {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("expected the panic to surface as an error")
	}
	if _, ok := err.(*panicError); !ok {
		t.Fatalf("expected *panicError, got %T", err)
	}
	if len(src.released) != 1 || src.released[0] != 9 {
		t.Fatalf("expected file 9 to still be released after a panic, got %v", src.released)
	}
}
