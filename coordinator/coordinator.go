// Package coordinator implements cubdb's single-writer actor: the state
// machine that owns the current tree, serializes mutations, tracks
// which data files in-flight readers still depend on, and drives
// compaction and catch-up. Grounded on the teacher's use of a
// mutex-guarded struct as the single source of truth for shared state
// (see btree_concurrent.go) and on sdk/transaction_manager.go's pattern
// of a manager type that wraps a unit of work in begin/commit/rollback.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/cubdb-go/cubdb/btree"
	"github.com/cubdb-go/cubdb/catchup"
	"github.com/cubdb-go/cubdb/compactor"
	"github.com/cubdb-go/cubdb/config"
	"github.com/cubdb-go/cubdb/metrics"
	"github.com/cubdb-go/cubdb/store"
)

// DefaultMaxCatchUpRounds bounds how many replay passes CompactNow will
// run before accepting the small remaining gap: the spec's liveness
// argument (write throughput is finite) guarantees convergence, but a
// cap keeps a pathological write storm from starving catch-up forever.
const DefaultMaxCatchUpRounds = 8

// State names the coordinator's compaction state machine.
type State int

const (
	Idle State = iota
	Compacting
	CatchingUp
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Compacting:
		return "compacting"
	case CatchingUp:
		return "catching_up"
	default:
		return "unknown"
	}
}

// MutateFunc is the unit of work passed to GetAndUpdateMulti: given a
// snapshot read of the requested keys, it returns the puts and deletes
// to apply atomically, or an error/panic to abort the whole
// transaction.
type MutateFunc func(values map[string][]byte) (puts map[string][]byte, deletes [][]byte, err error)

// Coordinator is cubdb's single writer. All mutation and compaction
// control flows through it; reads may bypass it once they've captured a
// snapshot (see reader.Reader).
type Coordinator struct {
	mu      sync.Mutex
	tree    *btree.Btree
	dir     *store.Directory
	fileID  uint32
	state   State
	opts    config.AutoCompact
	writes  uint64 // mutations since the last compaction
	busy    *BusyFiles
	metrics *metrics.Collectors
	log     zerolog.Logger

	compactSF singleflight.Group
	group     *errgroup.Group
	groupCtx  context.Context

	btOpts      btree.Options
	maxCatchUp  int
	onCompacted func(fileID uint32)

	// cleanupPending and cleanupDispatch implement the deferred-cleanup
	// handoff: a compaction that lands while an older file is still busy
	// sets cleanupPending instead of dropping the cleanup on the floor,
	// and the next reader check-in that leaves no non-current file busy
	// fires cleanupDispatch and clears the flag.
	cleanupPending bool
	cleanupDispatch func(fileID uint32)
}

// OnCompacted registers a hook invoked after a compaction (and its
// catch-up rounds) lands a new current file id. The top-level database
// wires this to kick a cleanup.Worker without coordinator importing
// cleanup (which itself depends on coordinator.BusyFiles).
func (c *Coordinator) OnCompacted(fn func(fileID uint32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCompacted = fn
}

// OnCleanupNeeded registers the hook that actually removes the file a
// compaction just made obsolete. It is invoked either immediately after
// the compaction lands (the common case, when nothing else is busy) or
// later, from Release, once the last reader holding a non-current file
// checks back in. The top-level database wires this to a cleanup.Worker.
func (c *Coordinator) OnCleanupNeeded(fn func(fileID uint32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupDispatch = fn
}

// Open loads (or creates) the latest committed tree under dir and
// returns a ready Coordinator.
func Open(ctx context.Context, dir string, btOpts btree.Options, auto config.AutoCompact, m *metrics.Collectors, logger zerolog.Logger) (*Coordinator, error) {
	d, err := store.NewDirectory(dir)
	if err != nil {
		return nil, err
	}
	id, path, ok, err := d.Latest()
	if err != nil {
		return nil, err
	}
	if !ok {
		id, err = d.NextID()
		if err != nil {
			return nil, err
		}
		path = d.Path(id, store.CommittedExt)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	tree, err := btree.New(st, btOpts)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	c := &Coordinator{
		tree:       tree,
		dir:        d,
		fileID:     id,
		opts:       auto,
		busy:       NewBusyFiles(),
		metrics:    m,
		log:        logger.With().Str("component", "coordinator").Logger(),
		group:      g,
		groupCtx:   gctx,
		btOpts:     btOpts,
		maxCatchUp: DefaultMaxCatchUpRounds,
	}
	c.reportMetrics()
	return c, nil
}

// CurrentFileID returns the file id backing the live tree.
func (c *Coordinator) CurrentFileID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileID
}

// Snapshot returns the current tree and the file id it is checked out
// against, incrementing that file's busy refcount. Callers MUST call
// Release when done (Reader does this automatically).
func (c *Coordinator) Snapshot() (*btree.Btree, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy.CheckOut(c.fileID)
	return c.tree, c.fileID
}

// Release checks a file id back in after a reader finishes with it, and
// dispatches any cleanup a prior compaction had to defer because this
// (or another) file was still busy.
func (c *Coordinator) Release(fileID uint32) {
	c.busy.CheckIn(fileID)
	c.maybeDispatchCleanup()
}

// maybeDispatchCleanup runs the deferred cleanup once cleanup_pending is
// set and no non-current file is busy anymore. Safe to call after any
// check-in; it is a no-op unless both conditions hold.
func (c *Coordinator) maybeDispatchCleanup() {
	c.mu.Lock()
	if !c.cleanupPending || c.busy.AnyBusyExcept(c.fileID) {
		c.mu.Unlock()
		return
	}
	c.cleanupPending = false
	dispatch := c.cleanupDispatch
	fileID := c.fileID
	if c.metrics != nil {
		c.metrics.CleanupPending.Set(0)
	}
	c.mu.Unlock()

	if dispatch != nil {
		dispatch(fileID)
	}
}

// BusyFiles exposes the refcount tracker for cleanup to consult.
func (c *Coordinator) BusyFiles() *BusyFiles { return c.busy }

// State reports the current compaction state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Put inserts key/value, auto-committed, and evaluates the auto-compact
// policy afterward.
func (c *Coordinator) Put(key, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := c.tree.Insert(key, value, true)
	if err != nil {
		return err
	}
	c.tree = next
	c.writes++
	if c.metrics != nil {
		c.metrics.MutationsTotal.Inc()
	}
	c.reportMetrics()
	c.maybeAutoCompactLocked()
	return nil
}

// Delete removes key, auto-committed, and evaluates the auto-compact
// policy afterward. A no-op delete (key absent) still counts as a
// write: the tree's dirt always increases.
func (c *Coordinator) Delete(key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next, err := c.tree.Delete(key)
	if err != nil {
		return err
	}
	c.tree = next
	c.writes++
	if c.metrics != nil {
		c.metrics.MutationsTotal.Inc()
	}
	c.reportMetrics()
	c.maybeAutoCompactLocked()
	return nil
}

// GetAndUpdateMulti reads the requested keys from a consistent snapshot,
// invokes fn synchronously, and applies its puts and deletes as a single
// commit. Any error or panic from fn rolls the whole transaction back:
// fn's mutations are never applied. Grounded on
// sdk/transaction_manager.go's begin/commit/rollback wrapper, adapted so
// the "transaction" is a single in-memory batch against the COW tree
// rather than a badger txn handle.
func (c *Coordinator) GetAndUpdateMulti(keys [][]byte, fn MutateFunc) (result map[string][]byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	values := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, lerr := c.tree.Lookup(k)
		if lerr != nil {
			return nil, lerr
		}
		if ok {
			values[string(k)] = v
		}
	}

	puts, deletes, uerr := c.safeCall(fn, values)
	if uerr != nil {
		return nil, uerr
	}

	working := c.tree
	for k, v := range puts {
		working, err = working.Insert([]byte(k), v, false)
		if err != nil {
			return nil, err
		}
	}
	for _, k := range deletes {
		working, err = working.DeleteNoCommit(k)
		if err != nil {
			return nil, err
		}
	}
	working, err = working.Commit()
	if err != nil {
		return nil, err
	}
	c.tree = working
	c.writes++
	if c.metrics != nil {
		c.metrics.MutationsTotal.Inc()
	}
	c.reportMetrics()
	c.maybeAutoCompactLocked()
	return values, nil
}

// safeCall wraps fn with a panic recovery so a caller's bug surfaces as
// an error returned from GetAndUpdateMulti rather than taking the
// coordinator down with it.
func (c *Coordinator) safeCall(fn MutateFunc, values map[string][]byte) (puts map[string][]byte, deletes [][]byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			puts, deletes, err = nil, nil, fmt.Errorf("cubdb: user function panicked: %v", r)
		}
	}()
	return fn(values)
}

// SetAutoCompact replaces the auto-compact policy after validating it.
func (c *Coordinator) SetAutoCompact(a config.AutoCompact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = a
	return nil
}

// maybeAutoCompactLocked triggers a background compaction if the policy
// says dirt has crossed its threshold and none is already running. Must
// be called with mu held.
func (c *Coordinator) maybeAutoCompactLocked() {
	if c.opts.Mode != config.AutoCompactOn || c.state != Idle {
		return
	}
	if c.tree.Dirt() < c.opts.MinWrites {
		return
	}
	if c.tree.DirtFactor() < c.opts.MinDirtFactor {
		return
	}
	c.log.Info().Uint64("writes", c.writes).Float64("dirt_factor", c.tree.DirtFactor()).Msg("auto_compact_triggered")
	c.group.Go(func() error {
		return c.CompactNow(c.groupCtx)
	})
}

// ErrCompactionPending is returned by TryCompactNow when a compaction
// round is already running, instead of joining it.
var ErrCompactionPending = errors.New("coordinator: compaction already in progress")

// CompactNow runs one compaction round synchronously: bulk-load a fresh
// file from the current snapshot, replay any mutations committed while
// that ran, then publish the result as the new current tree. Concurrent
// callers (auto-compact and an explicit Compact call racing each other)
// are coalesced onto a single in-flight round via singleflight.
func (c *Coordinator) CompactNow(ctx context.Context) error {
	_, err, _ := c.compactSF.Do("compact", func() (any, error) {
		return nil, c.runCompaction(ctx)
	})
	return err
}

// TryCompactNow behaves like CompactNow but fails fast with
// ErrCompactionPending when a round is already running instead of
// joining it. The state check and the call below it are not atomic, so
// a round that starts in between is joined rather than rejected; that
// narrow race only ever turns a would-be error into a successful join,
// never the reverse.
func (c *Coordinator) TryCompactNow(ctx context.Context) error {
	c.mu.Lock()
	busy := c.state != Idle
	c.mu.Unlock()
	if busy {
		return ErrCompactionPending
	}
	return c.CompactNow(ctx)
}

func (c *Coordinator) runCompaction(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return nil
	}
	c.state = Compacting
	source := c.tree
	order := c.btOpts.Order
	if order <= 0 {
		order = btree.DefaultOrder
	}
	c.mu.Unlock()

	corr := correlationID()
	log := c.log.With().Str("correlation_id", corr).Logger()

	newID, err := c.dir.NextID()
	if err != nil {
		c.setState(Idle)
		return err
	}

	res, err := compactor.Run(c.dir, newID, source, order, log)
	if err != nil {
		c.setState(Idle)
		return err
	}

	c.mu.Lock()
	c.state = CatchingUp
	c.mu.Unlock()

	catchRes, err := catchup.Run(source, res.Tree, func() (*btree.Btree, bool) {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.tree, true
	}, c.maxCatchUp)
	if err != nil {
		c.setState(Idle)
		return err
	}
	if c.metrics != nil {
		c.metrics.CatchUpRounds.Add(float64(catchRes.Rounds))
	}

	compactPath := c.dir.Path(newID, store.CompactingExt)
	finalPath := c.dir.Path(newID, store.CommittedExt)
	if err := renameCommitted(compactPath, finalPath); err != nil {
		c.setState(Idle)
		return err
	}

	c.mu.Lock()
	c.tree = catchRes.Compacted
	c.fileID = newID
	c.writes = 0
	c.state = Idle
	c.cleanupPending = true
	if c.metrics != nil {
		c.metrics.CompactionsTotal.Inc()
		c.metrics.CleanupPending.Set(1)
	}
	c.reportMetrics()
	hook := c.onCompacted
	c.mu.Unlock()

	log.Info().Uint32("new_file_id", newID).Int("catch_up_rounds", catchRes.Rounds).Msg("catch_up_completed")

	// The common case: no reader is still holding a non-current file, so
	// the deferred cleanup fires immediately. If one is, maybeDispatchCleanup
	// leaves cleanup_pending set for Release to pick up once it drains.
	c.maybeDispatchCleanup()

	if hook != nil {
		hook(newID)
	}
	return nil
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// renameCommitted publishes a compaction's target file atomically:
// natefinch/atomic.ReplaceFile uses rename-into-place so a reader that
// opens the directory mid-compaction never observes a partially written
// *.cub file.
func renameCommitted(from, to string) error {
	return atomic.ReplaceFile(from, to)
}

func (c *Coordinator) reportMetrics() {
	if c.metrics == nil {
		return
	}
	c.metrics.Size.Set(float64(c.tree.Size()))
	c.metrics.DirtFactor.Set(c.tree.DirtFactor())
	c.metrics.BusyFiles.Set(float64(c.busy.Count()))
}

// Wait blocks until every background task (compactions, catch-ups)
// launched through the coordinator's errgroup has finished.
func (c *Coordinator) Wait() error {
	return c.group.Wait()
}

// correlationID is a small helper so every compaction/catch-up round can
// be traced through logs with a single id, the way a request id would
// tag an HTTP call.
func correlationID() string {
	return uuid.NewString()
}
