// Package selectpipeline implements the closed set of streaming
// operators a Select call composes over a btree.Cursor, plus the
// reduction that drains the pipeline into a final result. Grounded on
// the teacher's sdk/iteration.go, which folds a badger iterator through
// a chain of caller-supplied transforms; adapted here to a fixed,
// closed sum type of steps (rather than an open func(any) any chain) so
// a malformed pipeline is a compile error, and to stream from a
// btree.Cursor instead of a badger.Iterator.
package selectpipeline

import (
	"github.com/cubdb-go/cubdb/btree"
)

// Entry is one (key, value) pair flowing through the pipeline.
type Entry struct {
	Key   []byte
	Value []byte
}

// Op is the closed set of transformations a Select pipeline may apply,
// evaluated lazily, one entry at a time, directly against the cursor
// stream.
type Op struct {
	kind     opKind
	pred     func(Entry) (bool, error)
	mapFn    func(Entry) (Entry, error)
	n        int
}

type opKind int

const (
	opFilter opKind = iota
	opMap
	opTake
	opDrop
	opTakeWhile
	opDropWhile
)

func Filter(pred func(Entry) (bool, error)) Op { return Op{kind: opFilter, pred: pred} }
func Map(fn func(Entry) (Entry, error)) Op      { return Op{kind: opMap, mapFn: fn} }
func Take(n int) Op                             { return Op{kind: opTake, n: n} }
func Drop(n int) Op                             { return Op{kind: opDrop, n: n} }
func TakeWhile(pred func(Entry) (bool, error)) Op {
	return Op{kind: opTakeWhile, pred: pred}
}
func DropWhile(pred func(Entry) (bool, error)) Op {
	return Op{kind: opDropWhile, pred: pred}
}

// UserError wraps a panic or error from a caller-supplied predicate or
// map function, distinguishing "your function blew up" from an I/O or
// corruption error raised by the engine itself.
type UserError struct {
	Value any
}

func (e *UserError) Error() string { return "selectpipeline: user function error" }

// stepState carries the mutable state a Take/Drop/TakeWhile/DropWhile
// step needs across calls: a budget counter, or "are we still in the
// drop/take-while prefix" flag.
type stepState struct {
	remaining int
	active    bool // TakeWhile: still passing; DropWhile: still dropping
}

// Pipeline streams entries out of a cursor through an ordered list of
// Ops.
type Pipeline struct {
	cursor *btree.Cursor
	ops    []Op
	state  []stepState
	done   bool
}

// New builds a Pipeline over cursor, applying ops in order to every
// entry it yields.
func New(cursor *btree.Cursor, ops []Op) *Pipeline {
	state := make([]stepState, len(ops))
	for i, op := range ops {
		switch op.kind {
		case opTake, opDrop:
			state[i].remaining = op.n
		case opDropWhile:
			state[i].active = true
		case opTakeWhile:
			state[i].active = true
		}
	}
	return &Pipeline{cursor: cursor, ops: ops, state: state}
}

// Next returns the next entry surviving every Op, or ok=false once the
// underlying cursor or a Take/TakeWhile boundary ends the stream.
func (p *Pipeline) Next() (e Entry, ok bool, err error) {
	if p.done {
		return Entry{}, false, nil
	}

	for {
		k, v, cok, cerr := p.cursor.Next()
		if cerr != nil {
			return Entry{}, false, cerr
		}
		if !cok {
			p.done = true
			return Entry{}, false, nil
		}

		entry := Entry{Key: k, Value: v}
		keep, stop, err := p.apply(&entry)
		if err != nil {
			return Entry{}, false, err
		}
		if stop {
			p.done = true
			return Entry{}, false, nil
		}
		if !keep {
			continue
		}
		return entry, true, nil
	}
}

// apply runs entry through every Op in order. keep reports whether the
// entry survives; stop reports that the pipeline is now permanently
// exhausted (a Take/TakeWhile boundary was crossed).
func (p *Pipeline) apply(entry *Entry) (keep, stop bool, err error) {
	for i := range p.ops {
		op := &p.ops[i]
		st := &p.state[i]

		switch op.kind {
		case opFilter:
			pass, perr := safePred(op.pred, *entry)
			if perr != nil {
				return false, false, perr
			}
			if !pass {
				return false, false, nil
			}

		case opMap:
			mapped, merr := safeMap(op.mapFn, *entry)
			if merr != nil {
				return false, false, merr
			}
			*entry = mapped

		case opTake:
			if st.remaining <= 0 {
				return false, true, nil
			}
			st.remaining--

		case opDrop:
			if st.remaining > 0 {
				st.remaining--
				return false, false, nil
			}

		case opTakeWhile:
			if !st.active {
				return false, true, nil
			}
			pass, perr := safePred(op.pred, *entry)
			if perr != nil {
				return false, false, perr
			}
			if !pass {
				st.active = false
				return false, true, nil
			}

		case opDropWhile:
			if st.active {
				pass, perr := safePred(op.pred, *entry)
				if perr != nil {
					return false, false, perr
				}
				if pass {
					return false, false, nil
				}
				st.active = false
			}
		}
	}
	return true, false, nil
}

func safePred(pred func(Entry) (bool, error), e Entry) (pass bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			pass, err = false, &UserError{Value: r}
		}
	}()
	return pred(e)
}

func safeMap(fn func(Entry) (Entry, error), e Entry) (out Entry, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = Entry{}, &UserError{Value: r}
		}
	}()
	return fn(e)
}

// Reduction is the closed set of ways a Select call may collapse a
// Pipeline into its final result: gather every surviving entry, fold
// with a caller-supplied initial accumulator, or fold using the first
// entry as the accumulator (failing on an empty stream).
type Reduction struct {
	kind    reductionKind
	fold    func(acc any, e Entry) (any, error)
	initial any
	hasInit bool
}

type reductionKind int

const (
	reduceList reductionKind = iota
	reduceFold
)

// ToList materializes every surviving entry.
func ToList() Reduction { return Reduction{kind: reduceList} }

// Fold reduces the stream with fold, starting from initial.
func Fold(initial any, fold func(acc any, e Entry) (any, error)) Reduction {
	return Reduction{kind: reduceFold, fold: fold, initial: initial, hasInit: true}
}

// FoldFromFirst reduces the stream with fold, using its first entry
// (wrapped as an Entry-only accumulator) as the seed; an empty stream is
// a UserError rather than a silent zero value, matching the "no
// implicit identity" reduction variant the engine specifies.
func FoldFromFirst(fold func(acc any, e Entry) (any, error)) Reduction {
	return Reduction{kind: reduceFold, fold: fold, hasInit: false}
}

// Run drains p and applies r, returning the final result.
func Run(p *Pipeline, r Reduction) (any, error) {
	switch r.kind {
	case reduceList:
		var out []Entry
		for {
			e, ok, err := p.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				return out, nil
			}
			out = append(out, e)
		}

	case reduceFold:
		acc := r.initial
		seeded := r.hasInit
		for {
			e, ok, err := p.Next()
			if err != nil {
				return nil, err
			}
			if !ok {
				if !seeded {
					return nil, &UserError{Value: "fold over empty stream with no initial accumulator"}
				}
				return acc, nil
			}
			if !seeded {
				acc = e
				seeded = true
				continue
			}
			acc, err = r.fold(acc, e)
			if err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}
