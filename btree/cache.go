package btree

import (
	"sync"

	gbtree "github.com/google/btree"

	"github.com/cubdb-go/cubdb/node"
)

// cacheEntry is the google/btree item stored in the node cache, ordered
// by file offset so the lowest (oldest) offsets evict first.
type cacheEntry struct {
	offset uint64
	node   *node.Node
}

func (e *cacheEntry) Less(than gbtree.Item) bool {
	return e.offset < than.(*cacheEntry).offset
}

// DefaultCacheCapacity bounds the node cache absent an explicit size.
const DefaultCacheCapacity = 8192

// NodeCache is a bounded offset→node map. Mutating Btree operations never
// consult it for correctness, only for avoiding a redundant disk read;
// evicting the lowest offsets first approximates LRU for an append-only
// file, since older offsets are least likely to sit on a hot read path
// once the file has grown past them.
type NodeCache struct {
	mu       sync.Mutex
	tree     *gbtree.BTree
	index    map[uint64]*cacheEntry
	capacity int
}

// NewNodeCache builds a cache holding at most capacity nodes. capacity<=0
// uses DefaultCacheCapacity.
func NewNodeCache(capacity int) *NodeCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &NodeCache{
		tree:     gbtree.New(32),
		index:    make(map[uint64]*cacheEntry, capacity),
		capacity: capacity,
	}
}

// Get returns the cached node at offset, if present.
func (c *NodeCache) Get(offset uint64) (*node.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.index[offset]
	if !ok {
		return nil, false
	}
	return e.node, true
}

// Put inserts or replaces the cached node at offset, evicting the
// lowest-offset entries if the cache is over capacity.
func (c *NodeCache) Put(offset uint64, n *node.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.index[offset]; ok {
		c.tree.Delete(old)
	}
	e := &cacheEntry{offset: offset, node: n}
	c.index[offset] = e
	c.tree.ReplaceOrInsert(e)

	for len(c.index) > c.capacity {
		min := c.tree.Min()
		if min == nil {
			break
		}
		victim := min.(*cacheEntry)
		c.tree.Delete(victim)
		delete(c.index, victim.offset)
	}
}

// Len reports the number of cached nodes.
func (c *NodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}
