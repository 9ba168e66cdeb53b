// Package cubdb is an embedded, single-writer/many-reader, append-only
// immutable key-value database: every mutation copy-on-writes a new
// B-tree snapshot, readers always see a consistent point-in-time view,
// and online compaction reclaims space without blocking either side.
//
// DB is the public entry point; it wires together the persistent
// btree.Btree, the coordinator.Coordinator single-writer actor, a
// reader.Reader for snapshot isolation, and a cleanup.Worker that
// reclaims files no in-flight reader still needs.
package cubdb

import (
	"bytes"
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/cubdb-go/cubdb/btree"
	"github.com/cubdb-go/cubdb/cleanup"
	"github.com/cubdb-go/cubdb/codec"
	"github.com/cubdb-go/cubdb/config"
	"github.com/cubdb-go/cubdb/coordinator"
	"github.com/cubdb-go/cubdb/metrics"
	"github.com/cubdb-go/cubdb/reader"
	"github.com/cubdb-go/cubdb/selectpipeline"
	"github.com/cubdb-go/cubdb/store"
)

func dirFor(path string) (*store.Directory, error) {
	return store.NewDirectory(path)
}

// DB is a single open database directory.
type DB struct {
	coord   *coordinator.Coordinator
	reader  *reader.Reader
	cleaner *cleanup.Worker
	codec   codec.Codec
	log     zerolog.Logger
}

// Open loads (or creates) the database under opts.Dir. enc configures
// the value Codec and key Comparator; its zero value falls back to
// codec.JSONCodec and bytes.Compare.
func Open(ctx context.Context, opts config.Options, enc Encodable) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	cdc := enc.Codec
	if cdc == nil {
		cdc = codec.JSONCodec{}
	}
	cmp := enc.Comparator
	if cmp == nil {
		cmp = bytes.Compare
	}

	log := zerolog.Nop()
	m := metrics.New("cubdb")

	btOpts := btree.Options{Order: opts.Order, Comparator: cmp, CacheSize: opts.CacheSize}
	coord, err := coordinator.Open(ctx, opts.Dir, btOpts, opts.AutoCompact, m, log)
	if err != nil {
		return nil, err
	}

	dir, err := dirFor(opts.Dir)
	if err != nil {
		return nil, err
	}
	cleaner := cleanup.NewWorker(dir, coord.BusyFiles(), log)
	coord.OnCompacted(func(uint32) {
		<-cleaner.CleanUpOldCompactionFiles()
	})
	coord.OnCleanupNeeded(func(fileID uint32) {
		<-cleaner.CleanUp(fileID)
	})

	db := &DB{
		coord:   coord,
		reader:  reader.New(coord, log, m),
		cleaner: cleaner,
		codec:   cdc,
		log:     log,
	}
	return db, nil
}

// Logger swaps the zerolog.Logger a DB reports through.
func (db *DB) Logger(log zerolog.Logger) { db.log = log }

// Close stops background workers. In-flight reads are left to finish on
// their own; Close does not cancel them.
func (db *DB) Close() {
	db.cleaner.Stop()
}

// Get decodes the value for key into out. If key is absent, out is left
// unchanged and nil is returned. Unlike Fetch, absence is not an error.
func (db *DB) Get(key []byte, out any) error {
	_, err := db.reader.Run(func(t *btree.Btree) (any, error) {
		v, ok, err := t.Lookup(key)
		if err != nil || !ok {
			return nil, err
		}
		return nil, db.codec.Unmarshal(v, out)
	})
	return err
}

// Fetch is Get, but returns NotFoundError when key is absent.
func (db *DB) Fetch(key []byte, out any) error {
	_, err := db.reader.Run(func(t *btree.Btree) (any, error) {
		v, ok, err := t.Lookup(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &NotFoundError{Key: key}
		}
		return nil, db.codec.Unmarshal(v, out)
	})
	return err
}

// HasKey reports whether key is present without decoding its value.
func (db *DB) HasKey(key []byte) (bool, error) {
	res, err := db.reader.Run(func(t *btree.Btree) (any, error) {
		ok, _, err := t.HasKey(key)
		return ok, err
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Put encodes value and commits it under key.
func (db *DB) Put(key []byte, value any) error {
	b, err := db.codec.Marshal(value)
	if err != nil {
		return err
	}
	return db.coord.Put(key, b)
}

// Delete removes key. A delete on an absent key is not an error: it
// still counts as a write for the auto-compact dirt accounting.
func (db *DB) Delete(key []byte) error {
	return db.coord.Delete(key)
}

// Update reads key and, if it is present, decodes its value into current
// (an absent key leaves current unchanged); it then calls fn and commits
// fn's returned value atomically against any concurrent writer. fn's
// error or panic aborts the update with no visible effect.
func (db *DB) Update(key []byte, current any, fn func() (any, error)) error {
	_, err := db.coord.GetAndUpdateMulti([][]byte{key}, func(values map[string][]byte) (map[string][]byte, [][]byte, error) {
		if v, ok := values[string(key)]; ok {
			if err := db.codec.Unmarshal(v, current); err != nil {
				return nil, nil, err
			}
		}
		next, err := fn()
		if err != nil {
			return nil, nil, err
		}
		b, err := db.codec.Marshal(next)
		if err != nil {
			return nil, nil, err
		}
		return map[string][]byte{string(key): b}, nil, nil
	})
	return err
}

// GetAndUpdate is Update's single-key primitive exposed directly: fn
// receives the decoded current value (already unmarshaled into out) and
// returns the replacement to store, or ok=false to delete the key
// instead of replacing it.
func (db *DB) GetAndUpdate(key []byte, out any, fn func() (next any, ok bool, err error)) error {
	_, err := db.coord.GetAndUpdateMulti([][]byte{key}, func(values map[string][]byte) (map[string][]byte, [][]byte, error) {
		if v, present := values[string(key)]; present {
			if err := db.codec.Unmarshal(v, out); err != nil {
				return nil, nil, err
			}
		}
		next, ok, err := fn()
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, [][]byte{key}, nil
		}
		b, err := db.codec.Marshal(next)
		if err != nil {
			return nil, nil, err
		}
		return map[string][]byte{string(key): b}, nil, nil
	})
	return err
}

// MultiUpdate is a key's replacement plan from GetAndUpdateMulti's fn:
// set Value (and Put=true) to upsert, or leave Put false to delete.
type MultiUpdate struct {
	Put   bool
	Value any
}

// GetAndUpdateMulti reads every key in keys from one consistent
// snapshot, invokes fn with their decoded values, and applies fn's
// returned plan (a mix of puts and deletes) as a single atomic commit.
func (db *DB) GetAndUpdateMulti(keys [][]byte, fn func(values map[string]any) (map[string]MultiUpdate, error)) error {
	_, err := db.coord.GetAndUpdateMulti(keys, func(raw map[string][]byte) (map[string][]byte, [][]byte, error) {
		decoded := make(map[string]any, len(raw))
		for k, v := range raw {
			var out any
			if err := db.codec.Unmarshal(v, &out); err != nil {
				return nil, nil, err
			}
			decoded[k] = out
		}

		plan, err := fn(decoded)
		if err != nil {
			return nil, nil, err
		}

		puts := make(map[string][]byte, len(plan))
		var deletes [][]byte
		for k, upd := range plan {
			if !upd.Put {
				deletes = append(deletes, []byte(k))
				continue
			}
			b, err := db.codec.Marshal(upd.Value)
			if err != nil {
				return nil, nil, err
			}
			puts[k] = b
		}
		return puts, deletes, nil
	})
	return err
}

// SelectOptions bounds and shapes a Select call.
type SelectOptions struct {
	Min, Max                   []byte
	MinExclusive, MaxExclusive bool
	Reverse                    bool
	Pipeline                   []selectpipeline.Op
	// Reduction collapses the pipeline's output; nil defaults to
	// selectpipeline.ToList().
	Reduction *selectpipeline.Reduction
}

// Select streams entries in [Min, Max] through Pipeline and collapses
// the result with Reduction, all against one consistent snapshot.
func (db *DB) Select(opts SelectOptions) (any, error) {
	return db.reader.Run(func(t *btree.Btree) (any, error) {
		cur, err := t.Range(btree.RangeOptions{
			Min: opts.Min, Max: opts.Max,
			MinExclusive: opts.MinExclusive, MaxExclusive: opts.MaxExclusive,
			Reverse: opts.Reverse,
		})
		if err != nil {
			return nil, err
		}
		p := selectpipeline.New(cur, opts.Pipeline)
		red := opts.Reduction
		if red == nil {
			r := selectpipeline.ToList()
			red = &r
		}
		return selectpipeline.Run(p, *red)
	})
}

// Size returns the live entry count of the current tree.
func (db *DB) Size() (uint64, error) {
	res, err := db.reader.Run(func(t *btree.Btree) (any, error) { return t.Size(), nil })
	if err != nil {
		return 0, err
	}
	return res.(uint64), nil
}

// DirtFactor returns dirt/(dirt+size+1) of the current tree.
func (db *DB) DirtFactor() (float64, error) {
	res, err := db.reader.Run(func(t *btree.Btree) (any, error) { return t.DirtFactor(), nil })
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

// Compact triggers a compaction round and blocks until it (and any
// catch-up rounds it needed) complete. If a round is already running it
// returns PendingCompactionError immediately instead of waiting on it.
func (db *DB) Compact(ctx context.Context) error {
	err := db.coord.TryCompactNow(ctx)
	if errors.Is(err, coordinator.ErrCompactionPending) {
		return &PendingCompactionError{}
	}
	return err
}

// SetAutoCompact replaces the auto-compact policy after validating it.
func (db *DB) SetAutoCompact(a config.AutoCompact) error {
	return db.coord.SetAutoCompact(a)
}
