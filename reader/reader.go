// Package reader executes a single read against a frozen snapshot taken
// from the coordinator, independent of the writer and of any compaction
// in flight. Grounded on the teacher's per-request correlation-id
// logging pattern (uuid + zerolog fields threaded through
// sdk/monitoring.go-style instrumentation), adapted from "log an HTTP
// request" to "log one checked-out snapshot read".
package reader

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cubdb-go/cubdb/btree"
	"github.com/cubdb-go/cubdb/metrics"
)

// Snapshotter is the subset of coordinator.Coordinator a Reader needs:
// check a tree out, and check its file id back in once done.
type Snapshotter interface {
	Snapshot() (*btree.Btree, uint32)
	Release(fileID uint32)
}

// Reader runs exactly one read operation against a consistent snapshot
// and always checks the file back in, even if the operation panics.
type Reader struct {
	src     Snapshotter
	log     zerolog.Logger
	metrics *metrics.Collectors
}

// New builds a Reader bound to a coordinator (or anything satisfying
// Snapshotter, which eases testing).
func New(src Snapshotter, log zerolog.Logger, m *metrics.Collectors) *Reader {
	return &Reader{src: src, log: log.With().Str("component", "reader").Logger(), metrics: m}
}

// Op is the read executed against a checked-out tree.
type Op func(t *btree.Btree) (any, error)

// Run checks out the current snapshot, runs op against it, and checks
// the file back in before returning — regardless of whether op
// succeeded, failed, or panicked.
func (r *Reader) Run(op Op) (result any, err error) {
	tree, fileID := r.src.Snapshot()
	corr := uuid.NewString()
	if r.metrics != nil {
		r.metrics.InFlightReaders.Inc()
	}
	defer func() {
		if r.metrics != nil {
			r.metrics.InFlightReaders.Dec()
		}
		r.src.Release(fileID)
		if p := recover(); p != nil {
			err = &panicError{value: p}
		}
	}()

	result, err = op(tree)
	if err != nil {
		r.log.Debug().Str("correlation_id", corr).Uint32("file_id", fileID).Err(err).Msg("read_failed")
	}
	return result, err
}

type panicError struct{ value any }

func (e *panicError) Error() string { return "reader: operation panicked" }
