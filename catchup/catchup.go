// Package catchup replays the mutations committed to the live tree while
// a compaction was running onto the compacted tree. Grounded on the
// teacher's transaction-manager pattern of diffing and reapplying work
// against a target (sdk/transaction_manager.go), adapted from "replay a
// badger transaction" to "replay a Walk diff onto a freshly bulk-loaded
// cubdb tree".
package catchup

import (
	"bytes"

	"github.com/cubdb-go/cubdb/btree"
)

// Result reports what one catch-up round produced.
type Result struct {
	Compacted *btree.Btree
	Target    *btree.Btree // the `latest` snapshot this round replayed up to
	Rounds    int
}

// Run replays every entry of latest that differs from (or is absent
// from) original onto compacted, including tombstones written into
// latest after the compaction's source snapshot was taken. It may need
// several rounds if the live tree keeps advancing while a round runs;
// maxRounds bounds that (the engine's liveness argument is that write
// throughput is finite, so the gap eventually closes, but a hard cap
// keeps a pathological write storm from starving catch-up forever).
func Run(original, compacted *btree.Btree, latestFn func() (*btree.Btree, bool), maxRounds int) (*Result, error) {
	current := compacted
	rounds := 0
	var target *btree.Btree

	for {
		latest, ok := latestFn()
		if !ok {
			return &Result{Compacted: current, Target: target, Rounds: rounds}, nil
		}
		target = latest
		rounds++

		next, changed, err := replayOnce(original, latest, current)
		if err != nil {
			return nil, err
		}
		current = next

		if !changed || rounds >= maxRounds {
			break
		}
		original = latest
	}

	return &Result{Compacted: current, Target: target, Rounds: rounds}, nil
}

// replayOnce diffs latest against original using btree.WalkDiff, which
// prunes any subtree whose offset hasn't moved since original (and is
// therefore guaranteed unchanged), and applies every difference to
// compacted: an inserted/updated live value, or a delete for a key that
// became tombstoned or vanished. This bounds a round's cost by the
// entries touched since original, not by the size of latest; the
// per-key Lookup below is a cheap safety net against a touched leaf
// containing neighboring keys that didn't themselves change.
func replayOnce(original, latest, compacted *btree.Btree) (*btree.Btree, bool, error) {
	working := compacted
	changed := false

	err := btree.WalkDiff(original, latest, func(key []byte, ref uint64, isTombstone bool) (bool, error) {
		origValue, origLive, err := original.Lookup(key)
		if err != nil {
			return false, err
		}

		if isTombstone {
			if origLive {
				var werr error
				working, werr = working.DeleteNoCommit(key)
				if werr != nil {
					return false, werr
				}
				changed = true
			}
			return true, nil
		}

		value, live, err := latest.ResolveValueRef(ref)
		if err != nil {
			return false, err
		}
		if !live {
			return true, nil
		}
		if origLive && bytes.Equal(origValue, value) {
			return true, nil
		}

		var werr error
		working, werr = working.Insert(key, value, false)
		if werr != nil {
			return false, werr
		}
		changed = true
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}

	if !changed {
		return compacted, false, nil
	}
	working, err = working.Commit()
	if err != nil {
		return nil, false, err
	}
	return working, true, nil
}
