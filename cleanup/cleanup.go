// Package cleanup removes data files that are no longer referenced by
// the current tree or any in-flight reader. Grounded on the teacher's
// runGC ticker loop (sdk/gc.go): a single serial goroutine draining a
// job channel, generalized from "ask badger to reclaim value log space"
// to "delete cubdb files nothing points at any more".
package cleanup

import (
	"github.com/rs/zerolog"

	"github.com/cubdb-go/cubdb/coordinator"
	"github.com/cubdb-go/cubdb/store"
)

// job is a unit of cleanup work, processed one at a time so deletes
// never race a compaction that just picked a file id.
type job struct {
	oldCompactionFiles bool
	currentFileID       uint32
	done                chan error
}

// Worker is the serial cleanup actor. Exactly one should run per open
// database: file deletion is not safe to parallelize against itself.
type Worker struct {
	dir   *store.Directory
	busy  *coordinator.BusyFiles
	log   zerolog.Logger
	jobs  chan job
	quit  chan struct{}
}

// NewWorker starts the worker's goroutine and returns a handle to it.
func NewWorker(dir *store.Directory, busy *coordinator.BusyFiles, log zerolog.Logger) *Worker {
	w := &Worker{
		dir:  dir,
		busy: busy,
		log:  log.With().Str("component", "cleanup").Logger(),
		jobs: make(chan job, 8),
		quit: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	for {
		select {
		case <-w.quit:
			return
		case j := <-w.jobs:
			var err error
			if j.oldCompactionFiles {
				err = w.cleanOldCompactionFiles()
			} else {
				err = w.cleanUp(j.currentFileID)
			}
			if err != nil {
				w.log.Warn().Err(err).Msg("cleanup_job_failed")
			}
			if j.done != nil {
				j.done <- err
			}
		}
	}
}

// CleanUpOldCompactionFiles removes abandoned .compact files left behind
// by a compaction that errored out before renaming to .cub.
func (w *Worker) CleanUpOldCompactionFiles() <-chan error {
	done := make(chan error, 1)
	w.jobs <- job{oldCompactionFiles: true, done: done}
	return done
}

// CleanUp removes every committed file except currentFileID that has no
// in-flight reader attached to it.
func (w *Worker) CleanUp(currentFileID uint32) <-chan error {
	done := make(chan error, 1)
	w.jobs <- job{currentFileID: currentFileID, done: done}
	return done
}

// Stop halts the worker's goroutine. Jobs already queued are dropped.
func (w *Worker) Stop() {
	close(w.quit)
}

func (w *Worker) cleanOldCompactionFiles() error {
	ids, err := w.dir.Compacting()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := w.dir.Remove(id, store.CompactingExt); err != nil {
			return err
		}
		w.log.Info().Uint32("file_id", id).Msg("removed_abandoned_compaction_file")
	}
	return nil
}

func (w *Worker) cleanUp(currentFileID uint32) error {
	all, err := w.dir.Committed()
	if err != nil {
		return err
	}
	obsolete := w.busy.Obsolete(all, currentFileID)
	if len(obsolete) == 0 {
		return nil
	}
	for _, id := range obsolete {
		if err := w.dir.Remove(id, store.CommittedExt); err != nil {
			return err
		}
		w.log.Info().Uint32("file_id", id).Msg("removed_obsolete_file")
	}
	return nil
}
