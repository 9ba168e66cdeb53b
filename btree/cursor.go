package btree

import "github.com/cubdb-go/cubdb/node"

// RangeOptions bounds a Range traversal. A nil Min/Max means unbounded on
// that side.
type RangeOptions struct {
	Min          []byte
	Max          []byte
	MinExclusive bool
	MaxExclusive bool
	Reverse      bool
}

type cursorFrame struct {
	n   *node.Node
	idx int
}

// Cursor is a lazy, streaming in-order (or reverse in-order) iterator
// over live (non-tombstoned) entries. It holds a stack of
// (node, position) frames rather than materializing the range, so a
// Select over a large span doesn't buffer the whole result.
type Cursor struct {
	t     *Btree
	opts  RangeOptions
	stack []cursorFrame
	done  bool
}

// NewCursor builds a cursor positioned before the first in-range entry.
func NewCursor(t *Btree, opts RangeOptions) (*Cursor, error) {
	c := &Cursor{t: t, opts: opts}
	root, err := t.readNode(t.rootOffset)
	if err != nil {
		return nil, err
	}
	c.stack = []cursorFrame{{n: root, idx: startIndex(root, opts.Reverse)}}
	return c, nil
}

func startIndex(n *node.Node, reverse bool) int {
	if !reverse {
		return 0
	}
	if n.Tag == node.TypeLeaf {
		return len(n.Leaf.Entries) - 1
	}
	return len(n.Branch.Entries) - 1
}

// Next advances the cursor and returns the next in-range (key, value).
// ok is false once the range is exhausted.
func (c *Cursor) Next() (key, value []byte, ok bool, err error) {
	if c.done {
		return nil, nil, false, nil
	}

	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]

		if top.n.Tag == node.TypeLeaf {
			if c.opts.Reverse {
				if top.idx < 0 {
					c.stack = c.stack[:len(c.stack)-1]
					continue
				}
			} else if top.idx >= len(top.n.Leaf.Entries) {
				c.stack = c.stack[:len(c.stack)-1]
				continue
			}

			entry := top.n.Leaf.Entries[top.idx]
			if c.opts.Reverse {
				top.idx--
			} else {
				top.idx++
			}

			stop, skip := c.classify(entry.Key)
			if stop {
				c.done = true
				return nil, nil, false, nil
			}
			if skip {
				continue
			}

			v, live, rerr := c.t.resolveValue(entry.ValueRef)
			if rerr != nil {
				return nil, nil, false, rerr
			}
			if !live {
				continue
			}
			return entry.Key, v, true, nil
		}

		// Branch frame.
		entries := top.n.Branch.Entries
		if c.opts.Reverse {
			if top.idx < 0 {
				c.stack = c.stack[:len(c.stack)-1]
				continue
			}
		} else if top.idx >= len(entries) {
			c.stack = c.stack[:len(c.stack)-1]
			continue
		}

		idx := top.idx
		if c.opts.Reverse {
			top.idx--
		} else {
			top.idx++
		}

		if c.pruneChild(entries, idx) {
			continue
		}

		child, rerr := c.t.readNode(entries[idx].Child)
		if rerr != nil {
			return nil, nil, false, rerr
		}
		c.stack = append(c.stack, cursorFrame{n: child, idx: startIndex(child, c.opts.Reverse)})
	}

	c.done = true
	return nil, nil, false, nil
}

// classify reports whether key ends the traversal entirely (stop) or is
// merely out of range on the near side and should be skipped (skip).
func (c *Cursor) classify(key []byte) (stop, skip bool) {
	if !c.opts.Reverse {
		if c.opts.Max != nil {
			cmp := c.compare(key, c.opts.Max)
			if cmp > 0 || (cmp == 0 && c.opts.MaxExclusive) {
				return true, false
			}
		}
		if c.opts.Min != nil {
			cmp := c.compare(key, c.opts.Min)
			if cmp < 0 || (cmp == 0 && c.opts.MinExclusive) {
				return false, true
			}
		}
		return false, false
	}

	if c.opts.Min != nil {
		cmp := c.compare(key, c.opts.Min)
		if cmp < 0 || (cmp == 0 && c.opts.MinExclusive) {
			return true, false
		}
	}
	if c.opts.Max != nil {
		cmp := c.compare(key, c.opts.Max)
		if cmp > 0 || (cmp == 0 && c.opts.MaxExclusive) {
			return false, true
		}
	}
	return false, false
}

func (c *Cursor) compare(a, b []byte) int {
	return c.t.cmp(a, b)
}

// pruneChild reports whether child idx can be skipped entirely because
// its declared key range cannot intersect the requested bounds.
func (c *Cursor) pruneChild(entries []node.BranchEntry, idx int) bool {
	if c.opts.Min != nil && idx+1 < len(entries) {
		if c.compare(entries[idx+1].MinKey, c.opts.Min) <= 0 {
			return true
		}
	}
	if c.opts.Max != nil {
		cmp := c.compare(entries[idx].MinKey, c.opts.Max)
		if cmp > 0 || (cmp == 0 && c.opts.MaxExclusive && len(entries[idx].MinKey) > 0) {
			return true
		}
	}
	return false
}

// Range returns a Cursor over opts. It is the streaming primitive behind
// the public Select operation.
func (t *Btree) Range(opts RangeOptions) (*Cursor, error) {
	return NewCursor(t, opts)
}
