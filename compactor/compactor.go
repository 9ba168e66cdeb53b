// Package compactor bulk-loads a fresh, dirt-free B-tree from a frozen
// source snapshot, in sorted key order, skipping tombstones. Grounded on
// the teacher's btree_fast_storage.go, which builds an in-memory index
// from a bulk stream rather than one key at a time; adapted here to
// write leaves and branches directly to a new append-only Store instead
// of an in-memory structure, since the compaction target must itself be
// a durable, readable cubdb file.
package compactor

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cubdb-go/cubdb/btree"
	"github.com/cubdb-go/cubdb/node"
	"github.com/cubdb-go/cubdb/store"
)

// Result reports what a compaction produced.
type Result struct {
	Tree     *btree.Btree
	FileID   uint32
	Duration time.Duration
}

// Run streams every live (non-tombstoned) entry out of source in key
// order and bulk-loads them into a brand new file at dir/id.compact,
// committing once at the end. Any I/O error aborts and the partially
// written file is left for the caller to discard (it is never renamed
// to .cub, so a crash mid-compaction cannot corrupt the visible
// database).
func Run(dir *store.Directory, id uint32, source *btree.Btree, order int, log zerolog.Logger) (*Result, error) {
	start := time.Now()
	path := dir.Path(id, store.CompactingExt)
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}

	b := newBuilder(st, order)

	walkErr := source.Walk(func(key []byte, ref uint64, isTombstone bool) (bool, error) {
		if isTombstone {
			return true, nil
		}
		value, live, rerr := source.ResolveValueRef(ref)
		if rerr != nil {
			return false, rerr
		}
		if !live {
			return true, nil
		}
		return true, b.add(key, value)
	})
	if walkErr != nil {
		st.Close()
		return nil, walkErr
	}

	tree, err := b.finish()
	if err != nil {
		st.Close()
		return nil, err
	}

	log.Info().
		Uint32("file_id", id).
		Uint64("size", tree.Size()).
		Dur("elapsed", time.Since(start)).
		Msg("compaction_completed")

	return &Result{Tree: tree, FileID: id, Duration: time.Since(start)}, nil
}

// builder accumulates leaf entries and flushes full leaves, then builds
// branch levels bottom-up once every leaf has been written. Unlike
// Btree.Insert, this never touches the COW insert path: entries arrive
// already sorted, so each leaf is written exactly once.
type builder struct {
	st    *store.Store
	order int

	leafEntries []node.LeafEntry
	leafOffsets []uint64
	leafMinKeys [][]byte
	size        uint64
}

func newBuilder(st *store.Store, order int) *builder {
	return &builder{st: st, order: order}
}

func (b *builder) add(key, value []byte) error {
	valueOff, err := b.st.Append(node.EncodeValue(value))
	if err != nil {
		return err
	}
	b.leafEntries = append(b.leafEntries, node.LeafEntry{Key: append([]byte(nil), key...), ValueRef: uint64(valueOff)})
	b.size++
	if len(b.leafEntries) >= b.order {
		return b.flushLeaf()
	}
	return nil
}

func (b *builder) flushLeaf() error {
	if len(b.leafEntries) == 0 {
		return nil
	}
	payload := node.EncodeLeaf(node.Leaf{Entries: b.leafEntries})
	off, err := b.st.Append(payload)
	if err != nil {
		return err
	}
	b.leafOffsets = append(b.leafOffsets, uint64(off))
	b.leafMinKeys = append(b.leafMinKeys, b.leafEntries[0].Key)
	b.leafEntries = nil
	return nil
}

func (b *builder) finish() (*btree.Btree, error) {
	if err := b.flushLeaf(); err != nil {
		return nil, err
	}
	if len(b.leafOffsets) == 0 {
		empty, err := b.st.Append(node.EncodeLeaf(node.Leaf{}))
		if err != nil {
			return nil, err
		}
		b.leafOffsets = []uint64{uint64(empty)}
		b.leafMinKeys = [][]byte{nil}
	}

	rootOffset, err := b.buildLevel(b.leafOffsets, b.leafMinKeys)
	if err != nil {
		return nil, err
	}

	return btree.Load(b.st, rootOffset, b.size, 0, btree.Options{Order: b.order})
}

// buildLevel folds a level of child offsets (with their min keys) into
// parent branch nodes, recursing until a single root offset remains.
func (b *builder) buildLevel(offsets []uint64, minKeys [][]byte) (uint64, error) {
	if len(offsets) == 1 {
		return offsets[0], nil
	}

	var parentOffsets []uint64
	var parentMinKeys [][]byte

	for i := 0; i < len(offsets); i += b.order {
		end := i + b.order
		if end > len(offsets) {
			end = len(offsets)
		}
		entries := make([]node.BranchEntry, 0, end-i)
		for j := i; j < end; j++ {
			entries = append(entries, node.BranchEntry{MinKey: minKeys[j], Child: offsets[j]})
		}
		payload := node.EncodeBranch(node.Branch{Entries: entries})
		off, err := b.st.Append(payload)
		if err != nil {
			return 0, err
		}
		parentOffsets = append(parentOffsets, uint64(off))
		parentMinKeys = append(parentMinKeys, entries[0].MinKey)
	}

	return b.buildLevel(parentOffsets, parentMinKeys)
}
