package selectpipeline

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/cubdb-go/cubdb/btree"
	"github.com/cubdb-go/cubdb/store"
)

func buildTree(t *testing.T, n int) *btree.Btree {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "0.cub"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	bt, err := btree.New(st, btree.Options{Order: 8})
	if err != nil {
		t.Fatalf("btree.New: %v", err)
	}
	for i := 0; i < n; i++ {
		bt, err = bt.Insert([]byte(fmt.Sprintf("k%04d", i)), []byte(fmt.Sprintf("%d", i)), true)
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	return bt
}

func Test_FilterTake(t *testing.T) {
	bt := buildTree(t, 20)
	cur, err := bt.Range(btree.RangeOptions{})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}

	ops := []Op{
		Filter(func(e Entry) (bool, error) {
			return string(e.Value) != "0", nil
		}),
		Take(3),
	}
	p := New(cur, ops)
	res, err := Run(p, ToList())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	entries := res.([]Entry)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries after Take(3), got %d", len(entries))
	}
	if string(entries[0].Value) == "0" {
		t.Fatalf("expected value 0 to be filtered out")
	}
}

func Test_Fold(t *testing.T) {
	bt := buildTree(t, 5)
	cur, err := bt.Range(btree.RangeOptions{})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	p := New(cur, nil)
	res, err := Run(p, Fold(0, func(acc any, e Entry) (any, error) {
		return acc.(int) + 1, nil
	}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.(int) != 5 {
		t.Fatalf("expected fold count 5, got %v", res)
	}
}

func Test_FoldFromFirst_EmptyStreamIsUserError(t *testing.T) {
	bt := buildTree(t, 0)
	cur, err := bt.Range(btree.RangeOptions{})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	p := New(cur, nil)
	_, err = Run(p, FoldFromFirst(func(acc any, e Entry) (any, error) { return acc, nil }))
	if err == nil {
		t.Fatal("expected an error folding an empty stream with no initial accumulator")
	}
	if _, ok := err.(*UserError); !ok {
		t.Fatalf("expected *UserError, got %T", err)
	}
}

func Test_UserFunctionPanicBecomesUserError(t *testing.T) {
	bt := buildTree(t, 3)
	cur, err := bt.Range(btree.RangeOptions{})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	p := New(cur, []Op{Filter(func(e Entry) (bool, error) { panic("boom") })})
	_, err = Run(p, ToList())
	if err == nil {
		t.Fatal("expected a panic from a pipeline step to surface as an error")
	}
	if _, ok := err.(*UserError); !ok {
		t.Fatalf("expected *UserError, got %T", err)
	}
}
