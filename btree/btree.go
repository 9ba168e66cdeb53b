// Package btree implements the immutable, persistent, copy-on-write
// B-tree described by the engine's data model: every mutation rewrites
// the path from the touched leaf to the root, leaving the previous root
// a valid snapshot. Nodes are addressed purely by file offset, so the
// structure has no in-memory pointer graph and cannot contain cycles.
package btree

import (
	"bytes"
	"sort"

	"github.com/cubdb-go/cubdb/node"
	"github.com/cubdb-go/cubdb/store"
)

// DefaultOrder is the branching factor used when Options.Order is unset.
const DefaultOrder = 32

// Comparator orders keys. The default is bytes.Compare.
type Comparator func(a, b []byte) int

// Options configures a new Btree.
type Options struct {
	Order      int
	Comparator Comparator
	CacheSize  int
}

// Btree is an immutable snapshot: a root offset, its live-entry count and
// accumulated dirt, plus the Store and node cache it shares with every
// other snapshot built on the same file. Mutating methods never modify
// the receiver; they return a new value.
type Btree struct {
	store *store.Store
	cache *NodeCache

	rootOffset uint64
	size       uint64
	dirt       uint64

	order int
	cmp   Comparator
}

// New opens the tree at the store's latest committed header, or creates
// an empty tree (one empty leaf plus a header) if the store has none.
func New(st *store.Store, opts Options) (*Btree, error) {
	order := opts.Order
	if order <= 0 {
		order = DefaultOrder
	}
	cmp := opts.Comparator
	if cmp == nil {
		cmp = bytes.Compare
	}
	cache := NewNodeCache(opts.CacheSize)

	_, hdr, ok, err := st.LatestHeader()
	if err != nil {
		return nil, err
	}
	if ok {
		return &Btree{store: st, cache: cache, rootOffset: hdr.RootOffset, size: hdr.Size, dirt: hdr.Dirt, order: order, cmp: cmp}, nil
	}

	leafOff, err := st.Append(node.EncodeLeaf(node.Leaf{}))
	if err != nil {
		return nil, err
	}
	t := &Btree{store: st, cache: cache, rootOffset: uint64(leafOff), size: 0, dirt: 0, order: order, cmp: cmp}
	return t.Commit()
}

// Load wraps an already-built root offset (written by a Compactor or
// read back from a header) as a Btree, without consulting the store's
// latest header, and commits it: the returned tree's header is appended
// by this call. The Compactor relies on that to publish the tree it just
// bulk-loaded.
func Load(st *store.Store, rootOffset, size, dirt uint64, opts Options) (*Btree, error) {
	order := opts.Order
	if order <= 0 {
		order = DefaultOrder
	}
	cmp := opts.Comparator
	if cmp == nil {
		cmp = bytes.Compare
	}
	t := &Btree{store: st, cache: NewNodeCache(opts.CacheSize), rootOffset: rootOffset, size: size, dirt: dirt, order: order, cmp: cmp}
	return t.Commit()
}

// Size returns the count of live entries reachable from the root.
func (t *Btree) Size() uint64 { return t.size }

// Dirt returns the accumulated mutation count since this file's birth.
func (t *Btree) Dirt() uint64 { return t.dirt }

// RootOffset identifies this snapshot.
func (t *Btree) RootOffset() uint64 { return t.rootOffset }

// Store exposes the underlying Store (used by Compactor/CatchUp/Reader).
func (t *Btree) Store() *store.Store { return t.store }

// DirtFactor is dirt/(dirt+size+1): 0 when clean, approaching 1 as dirt
// accumulates relative to live size. Monotone non-decreasing in dirt at
// fixed size.
func (t *Btree) DirtFactor() float64 {
	return float64(t.dirt) / float64(t.dirt+t.size+1)
}

func (t *Btree) readNode(offset uint64) (*node.Node, error) {
	if n, ok := t.cache.Get(offset); ok {
		return n, nil
	}
	n, err := t.store.ReadNode(offset)
	if err != nil {
		return nil, err
	}
	t.cache.Put(offset, n)
	return n, nil
}

func (t *Btree) writeLeaf(entries []node.LeafEntry) (uint64, error) {
	off, err := t.store.Append(node.EncodeLeaf(node.Leaf{Entries: entries}))
	return uint64(off), err
}

func (t *Btree) writeBranch(entries []node.BranchEntry) (uint64, error) {
	off, err := t.store.Append(node.EncodeBranch(node.Branch{Entries: entries}))
	return uint64(off), err
}

// resolveValue follows a leaf entry's ValueRef and reports whether it is
// live (a Value node) or a tombstone (a Deleted node).
func (t *Btree) resolveValue(ref uint64) (value []byte, live bool, err error) {
	n, err := t.readNode(ref)
	if err != nil {
		return nil, false, err
	}
	if n.Tag == node.TypeDeleted {
		return nil, false, nil
	}
	return n.Value, true, nil
}

// ResolveValueRef exposes resolveValue for packages (Compactor, CatchUp)
// that walk raw leaf entries via Walk and need to dereference a
// ValueRef themselves.
func (t *Btree) ResolveValueRef(ref uint64) (value []byte, live bool, err error) {
	return t.resolveValue(ref)
}

// Lookup returns the live value for key, or ok=false if absent or
// tombstoned.
func (t *Btree) Lookup(key []byte) (value []byte, ok bool, err error) {
	offset := t.rootOffset
	for {
		n, err := t.readNode(offset)
		if err != nil {
			return nil, false, err
		}
		if n.Tag == node.TypeLeaf {
			idx, found := findKey(n.Leaf.Entries, key, t.cmp)
			if !found {
				return nil, false, nil
			}
			return t.resolveValue(n.Leaf.Entries[idx].ValueRef)
		}
		offset = descend(n.Branch.Entries, key, t.cmp)
	}
}

// HasKey is Lookup with existence-first semantics for transactional
// callers that want both the flag and the value in one walk.
func (t *Btree) HasKey(key []byte) (ok bool, value []byte, err error) {
	value, ok, err = t.Lookup(key)
	return ok, value, err
}

// findKey returns the index of key in a sorted entry slice and whether
// it was found, using binary search.
func findKey(entries []node.LeafEntry, key []byte, cmp Comparator) (int, bool) {
	i := sort.Search(len(entries), func(i int) bool { return cmp(entries[i].Key, key) >= 0 })
	if i < len(entries) && cmp(entries[i].Key, key) == 0 {
		return i, true
	}
	return i, false
}

// descend picks the child offset whose declared range covers key: the
// last entry whose MinKey <= key.
func descend(entries []node.BranchEntry, key []byte, cmp Comparator) uint64 {
	i := sort.Search(len(entries), func(i int) bool { return cmp(entries[i].MinKey, key) > 0 })
	if i == 0 {
		return entries[0].Child
	}
	return entries[i-1].Child
}

// Insert returns a new Btree with key bound to value. When commitNow is
// false the new nodes are appended to the store (not yet fsynced) but no
// header is written; the caller must call Commit on the result before
// the mutation is visible to a fresh Open.
func (t *Btree) Insert(key, value []byte, commitNow bool) (*Btree, error) {
	valueOff, err := t.store.Append(node.EncodeValue(value))
	if err != nil {
		return nil, err
	}

	newRoot, _, isNew, splitKey, splitOff, split, err := t.insertInto(t.rootOffset, key, uint64(valueOff))
	if err != nil {
		return nil, err
	}
	if split {
		leftMin, err := t.minKeyOf(newRoot)
		if err != nil {
			return nil, err
		}
		newRoot, err = t.writeBranch([]node.BranchEntry{
			{MinKey: leftMin, Child: newRoot},
			{MinKey: splitKey, Child: splitOff},
		})
		if err != nil {
			return nil, err
		}
	}

	newSize := t.size
	if isNew {
		newSize++
	}
	nt := &Btree{store: t.store, cache: t.cache, rootOffset: newRoot, size: newSize, dirt: t.dirt + 1, order: t.order, cmp: t.cmp}
	if commitNow {
		return nt.Commit()
	}
	return nt, nil
}

func (t *Btree) minKeyOf(offset uint64) ([]byte, error) {
	n, err := t.readNode(offset)
	if err != nil {
		return nil, err
	}
	if n.Tag == node.TypeLeaf {
		if len(n.Leaf.Entries) == 0 {
			return nil, nil
		}
		return n.Leaf.Entries[0].Key, nil
	}
	if len(n.Branch.Entries) == 0 {
		return nil, nil
	}
	return n.Branch.Entries[0].MinKey, nil
}

// insertInto rewrites the path from offset to the mutated leaf, copying
// every node it touches. It returns the rewritten node's offset, a lower
// bound on its subtree's keys (an ancestor branch lowers its pivot to it
// when a new smallest key arrives, and never raises a pivot), whether
// the key was previously absent, and split
// information if the rewritten node grew past the branching factor.
func (t *Btree) insertInto(offset uint64, key []byte, valueRef uint64) (newOffset uint64, minKey []byte, isNew bool, splitKey []byte, splitOffset uint64, split bool, err error) {
	n, err := t.readNode(offset)
	if err != nil {
		return 0, nil, false, nil, 0, false, err
	}

	if n.Tag == node.TypeLeaf {
		entries := append([]node.LeafEntry(nil), n.Leaf.Entries...)
		idx, found := findKey(entries, key, t.cmp)
		if found {
			entries[idx].ValueRef = valueRef
		} else {
			entries = append(entries, node.LeafEntry{})
			copy(entries[idx+1:], entries[idx:])
			entries[idx] = node.LeafEntry{Key: append([]byte(nil), key...), ValueRef: valueRef}
		}
		isNew = !found

		if len(entries) <= t.order {
			off, werr := t.writeLeaf(entries)
			if werr != nil {
				return 0, nil, false, nil, 0, false, werr
			}
			return off, entries[0].Key, isNew, nil, 0, false, nil
		}

		mid := len(entries) / 2
		left, right := entries[:mid], entries[mid:]
		leftOff, werr := t.writeLeaf(left)
		if werr != nil {
			return 0, nil, false, nil, 0, false, werr
		}
		rightOff, werr := t.writeLeaf(right)
		if werr != nil {
			return 0, nil, false, nil, 0, false, werr
		}
		return leftOff, left[0].Key, isNew, right[0].Key, rightOff, true, nil
	}

	// Branch.
	childIdx := branchChildIndex(n.Branch.Entries, key, t.cmp)
	newChild, childMin, childIsNew, childSplitKey, childSplitOff, childSplit, err := t.insertInto(n.Branch.Entries[childIdx].Child, key, valueRef)
	if err != nil {
		return 0, nil, false, nil, 0, false, err
	}

	if old := n.Branch.Entries[childIdx].MinKey; old != nil && t.cmp(old, childMin) < 0 {
		childMin = old
	}
	newEntries := append([]node.BranchEntry(nil), n.Branch.Entries...)
	newEntries[childIdx] = node.BranchEntry{MinKey: childMin, Child: newChild}
	if childSplit {
		inserted := node.BranchEntry{MinKey: childSplitKey, Child: childSplitOff}
		newEntries = append(newEntries, node.BranchEntry{})
		copy(newEntries[childIdx+2:], newEntries[childIdx+1:])
		newEntries[childIdx+1] = inserted
	}

	if len(newEntries) <= t.order {
		off, werr := t.writeBranch(newEntries)
		if werr != nil {
			return 0, nil, false, nil, 0, false, werr
		}
		return off, newEntries[0].MinKey, childIsNew, nil, 0, false, nil
	}

	mid := len(newEntries) / 2
	left, right := newEntries[:mid], newEntries[mid:]
	leftOff, werr := t.writeBranch(left)
	if werr != nil {
		return 0, nil, false, nil, 0, false, werr
	}
	rightOff, werr := t.writeBranch(right)
	if werr != nil {
		return 0, nil, false, nil, 0, false, werr
	}
	return leftOff, left[0].MinKey, childIsNew, right[0].MinKey, rightOff, true, nil
}

func branchChildIndex(entries []node.BranchEntry, key []byte, cmp Comparator) int {
	i := sort.Search(len(entries), func(i int) bool { return cmp(entries[i].MinKey, key) > 0 })
	if i == 0 {
		return 0
	}
	return i - 1
}

// Delete removes key if present, always committing. Per the engine's
// dirt-accounting rule, a no-op delete on an absent key still rewrites
// the path and bumps dirt: compaction heuristics depend on that counter.
func (t *Btree) Delete(key []byte) (*Btree, error) {
	nt, err := t.deleteNoCommit(key, false)
	if err != nil {
		return nil, err
	}
	return nt.Commit()
}

// MarkDeleted writes an explicit tombstone at the leaf position instead
// of removing the entry, so a Compactor streaming an older snapshot (and
// a later CatchUp pass) can observe the deletion. The coordinator does
// not call it: deletes made while a compaction is in flight are plain
// deletes, which WalkDiff reports to CatchUp as removed keys.
func (t *Btree) MarkDeleted(key []byte) (*Btree, error) {
	nt, err := t.deleteNoCommit(key, true)
	if err != nil {
		return nil, err
	}
	return nt.Commit()
}

// DeleteNoCommit and MarkDeletedNoCommit expose the uncommitted variants
// for get_and_update_multi, which applies several mutations before a
// single trailing Commit.
func (t *Btree) DeleteNoCommit(key []byte) (*Btree, error) { return t.deleteNoCommit(key, false) }
func (t *Btree) MarkDeletedNoCommit(key []byte) (*Btree, error) {
	return t.deleteNoCommit(key, true)
}

func (t *Btree) deleteNoCommit(key []byte, tombstone bool) (*Btree, error) {
	_, wasLive, err := t.Lookup(key)
	if err != nil {
		return nil, err
	}

	newRoot, _, err := t.deleteInto(t.rootOffset, key, tombstone)
	if err != nil {
		return nil, err
	}

	newSize := t.size
	if wasLive {
		newSize--
	}
	return &Btree{store: t.store, cache: t.cache, rootOffset: newRoot, size: newSize, dirt: t.dirt + 1, order: t.order, cmp: t.cmp}, nil
}

func (t *Btree) deleteInto(offset uint64, key []byte, tombstone bool) (newOffset uint64, minKey []byte, err error) {
	n, err := t.readNode(offset)
	if err != nil {
		return 0, nil, err
	}

	if n.Tag == node.TypeLeaf {
		entries := append([]node.LeafEntry(nil), n.Leaf.Entries...)
		idx, found := findKey(entries, key, t.cmp)
		if found {
			if tombstone {
				delOff, werr := t.store.Append(node.EncodeDeleted())
				if werr != nil {
					return 0, nil, werr
				}
				entries[idx].ValueRef = uint64(delOff)
			} else {
				entries = append(entries[:idx], entries[idx+1:]...)
			}
		}
		off, werr := t.writeLeaf(entries)
		if werr != nil {
			return 0, nil, werr
		}
		if len(entries) > 0 {
			return off, entries[0].Key, nil
		}
		return off, key, nil
	}

	childIdx := branchChildIndex(n.Branch.Entries, key, t.cmp)
	newChild, _, err := t.deleteInto(n.Branch.Entries[childIdx].Child, key, tombstone)
	if err != nil {
		return 0, nil, err
	}
	newEntries := append([]node.BranchEntry(nil), n.Branch.Entries...)
	newEntries[childIdx] = node.BranchEntry{MinKey: n.Branch.Entries[childIdx].MinKey, Child: newChild}
	off, werr := t.writeBranch(newEntries)
	if werr != nil {
		return 0, nil, werr
	}
	return off, newEntries[0].MinKey, nil
}

// Commit syncs the store and appends a header frame publishing this
// snapshot's root, size and dirt. The header write always follows a sync
// of every node on the committed path, satisfying invariant 1.
func (t *Btree) Commit() (*Btree, error) {
	if err := t.store.Sync(); err != nil {
		return nil, err
	}
	if _, err := t.store.Append(node.EncodeHeader(node.Header{RootOffset: t.rootOffset, Size: t.size, Dirt: t.dirt})); err != nil {
		return nil, err
	}
	if err := t.store.Sync(); err != nil {
		return nil, err
	}
	return t, nil
}

// EntryVisitor is called for every physical leaf entry during a full,
// unbounded, tombstone-inclusive traversal — used by the Compactor (to
// skip tombstones while bulk-loading) and CatchUp (to find tombstones
// written during a compaction round).
type EntryVisitor func(key []byte, ref uint64, isTombstone bool) (cont bool, err error)

// Walk performs a full in-order traversal of every leaf entry, tombstones
// included, calling visit for each until it returns cont=false or an
// error.
func (t *Btree) Walk(visit EntryVisitor) error {
	return t.walk(t.rootOffset, visit)
}

func (t *Btree) walk(offset uint64, visit EntryVisitor) error {
	n, err := t.readNode(offset)
	if err != nil {
		return err
	}
	if n.Tag == node.TypeLeaf {
		for _, e := range n.Leaf.Entries {
			vn, err := t.readNode(e.ValueRef)
			if err != nil {
				return err
			}
			cont, err := visit(e.Key, e.ValueRef, vn.Tag == node.TypeDeleted)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	}
	for _, e := range n.Branch.Entries {
		if err := t.walk(e.Child, visit); err != nil {
			return err
		}
	}
	return nil
}

// WalkDiff visits every key whose liveness or value can have changed
// between two snapshots built on the same Store: from, an earlier root,
// and to, a later one. A key present in to with a new or changed value
// is reported with its to-side ValueRef; a key live in from but gone
// from to entirely (a plain, non-tombstoned delete) is reported
// synthetically with isTombstone=true and ref=0, the same shape CatchUp
// already expects from an explicit tombstone.
//
// Because every mutation here is copy-on-write, a subtree whose offset
// is identical between from and to is guaranteed byte-for-byte
// identical (nothing ever rewrites a node in place), so the descent
// prunes there instead of reading it. Cost is proportional to the nodes
// touched between from and to, not to the size of to — unlike Walk,
// which always visits the entire tree.
func WalkDiff(from, to *Btree, visit EntryVisitor) error {
	if from.rootOffset == to.rootOffset {
		return nil
	}
	_, err := to.diffWalk(from.rootOffset, to.rootOffset, nil, nil, visit)
	return err
}

// diffWalk descends toOffset, consulting fromOffset only to prune
// subtrees that have not changed, bounding every comparison to the
// half-open key range [lo, hi) this call is responsible for (nil lo/hi
// means unbounded on that side). The range bound matters whenever from
// is coarser than to for this position (e.g. to's parent split a leaf
// that from still holds whole): without it, the same from leaf would be
// compared in full against each of several to children in turn, and
// entries outside a given child's slice would be misreported as
// deleted.
//
// Tree height here only ever grows (deletes never merge branches back
// down), so a position that is a leaf under from and a branch under to
// means that subtree grew a level since from; the reverse cannot
// happen.
func (t *Btree) diffWalk(fromOffset, toOffset uint64, lo, hi []byte, visit EntryVisitor) (bool, error) {
	if fromOffset == toOffset {
		return true, nil
	}

	toNode, err := t.readNode(toOffset)
	if err != nil {
		return false, err
	}
	fromNode, err := t.readNode(fromOffset)
	if err != nil {
		return false, err
	}

	if toNode.Tag == node.TypeLeaf {
		var fromEntries []node.LeafEntry
		if fromNode.Tag == node.TypeLeaf {
			fromEntries = sliceKeyRange(fromNode.Leaf.Entries, lo, hi, t.cmp)
		}
		return t.diffLeafEntries(fromEntries, toNode.Leaf.Entries, visit)
	}

	fromIsBranch := fromNode.Tag == node.TypeBranch
	entries := toNode.Branch.Entries
	for idx, e := range entries {
		childLo := e.MinKey
		childHi := hi
		if idx+1 < len(entries) {
			childHi = entries[idx+1].MinKey
		}
		childFrom := fromOffset
		if fromIsBranch {
			childFrom = descend(fromNode.Branch.Entries, e.MinKey, t.cmp)
		}
		cont, err := t.diffWalk(childFrom, e.Child, childLo, childHi, visit)
		if err != nil || !cont {
			return cont, err
		}
	}
	return true, nil
}

// sliceKeyRange returns the sub-slice of entries whose keys fall in the
// half-open range [lo, hi); nil lo/hi leaves that side unbounded.
// entries is assumed sorted by key, as every leaf here is.
func sliceKeyRange(entries []node.LeafEntry, lo, hi []byte, cmp Comparator) []node.LeafEntry {
	start := 0
	if lo != nil {
		start = sort.Search(len(entries), func(i int) bool { return cmp(entries[i].Key, lo) >= 0 })
	}
	end := len(entries)
	if hi != nil {
		end = sort.Search(len(entries), func(i int) bool { return cmp(entries[i].Key, hi) >= 0 })
	}
	if start > end {
		start = end
	}
	return entries[start:end]
}

// diffLeafEntries merges two key-sorted leaf entry runs covering the
// same key range and reports every key that differs: new or changed in
// toEntries, or present in fromEntries but gone from toEntries
// entirely (reported as a synthetic tombstone so the caller applies a
// delete the same way it would for an explicit one).
func (t *Btree) diffLeafEntries(fromEntries, toEntries []node.LeafEntry, visit EntryVisitor) (bool, error) {
	i, j := 0, 0
	for i < len(fromEntries) || j < len(toEntries) {
		switch {
		case j >= len(toEntries) || (i < len(fromEntries) && t.cmp(fromEntries[i].Key, toEntries[j].Key) < 0):
			cont, err := visit(fromEntries[i].Key, 0, true)
			if err != nil || !cont {
				return cont, err
			}
			i++
		case i >= len(fromEntries) || t.cmp(toEntries[j].Key, fromEntries[i].Key) < 0:
			cont, err := t.visitToEntry(toEntries[j], visit)
			if err != nil || !cont {
				return cont, err
			}
			j++
		default:
			if fromEntries[i].ValueRef != toEntries[j].ValueRef {
				cont, err := t.visitToEntry(toEntries[j], visit)
				if err != nil || !cont {
					return cont, err
				}
			}
			i++
			j++
		}
	}
	return true, nil
}

func (t *Btree) visitToEntry(te node.LeafEntry, visit EntryVisitor) (bool, error) {
	vn, err := t.readNode(te.ValueRef)
	if err != nil {
		return false, err
	}
	return visit(te.Key, te.ValueRef, vn.Tag == node.TypeDeleted)
}
