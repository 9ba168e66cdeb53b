package coordinator

import (
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// BusyFiles tracks, per data file id, how many in-flight readers hold a
// snapshot that references it. A file becomes eligible for cleanup only
// once its refcount drops to zero and it is no longer the file backing
// the current tree. Grounded on the teacher's roaringBitmapStorage
// (bitmap-backed membership set guarded by a mutex), generalized here to
// carry a refcount per id rather than a bare presence bit, since the
// same file can be checked out by several concurrent readers at once.
type BusyFiles struct {
	mu       sync.Mutex
	refcount map[uint32]int32
	bitmap   *roaring.Bitmap
}

// NewBusyFiles returns an empty tracker.
func NewBusyFiles() *BusyFiles {
	return &BusyFiles{
		refcount: make(map[uint32]int32),
		bitmap:   roaring.New(),
	}
}

// CheckOut records that a reader has started using file id.
func (b *BusyFiles) CheckOut(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refcount[id]++
	b.bitmap.Add(id)
}

// CheckIn records that a reader has finished with file id.
func (b *BusyFiles) CheckIn(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.refcount[id]
	if !ok {
		return
	}
	n--
	if n <= 0 {
		delete(b.refcount, id)
		b.bitmap.Remove(id)
		return
	}
	b.refcount[id] = n
}

// IsBusy reports whether any reader currently holds id.
func (b *BusyFiles) IsBusy(id uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bitmap.Contains(id)
}

// AnyBusyExcept reports whether any file other than keep currently has
// an outstanding reader. Used to decide whether a deferred cleanup can
// run: the current file being busy never blocks cleanup of older ones.
func (b *BusyFiles) AnyBusyExcept(keep uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	card := b.bitmap.GetCardinality()
	if card == 0 {
		return false
	}
	if card == 1 && b.bitmap.Contains(keep) {
		return false
	}
	return true
}

// Count returns the number of distinct files with at least one
// outstanding reader, for the BusyFiles metric.
func (b *BusyFiles) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.bitmap.GetCardinality())
}

// Obsolete returns, of all known file ids, those that are neither keep
// nor referenced by an in-flight reader: candidates for deletion.
func (b *BusyFiles) Obsolete(all []uint32, keep uint32) []uint32 {
	b.mu.Lock()
	busy := b.bitmap.Clone()
	b.mu.Unlock()

	candidates := roaring.New()
	candidates.AddMany(all)
	candidates.Remove(keep)
	candidates.AndNot(busy)

	out := make([]uint32, 0, candidates.GetCardinality())
	it := candidates.Iterator()
	for it.HasNext() {
		out = append(out, it.Next())
	}
	return out
}
