// Package mrs defines the types a MapReduce driver program uses to
// describe its computation: key/value pairs and the named mapper,
// reducer, and partitioner functions that operate on them.
//
// Mappers, reducers, and partitioners are registered under a name at
// process init time and referenced by that name thereafter. The wire
// protocol and the task scheduler never see a function value, only its
// registered name; this is what lets a worker process, started from the
// same binary as the driver, resolve "wordcount-mapper" to the right Go
// function without serializing a closure.
package mrs

import (
	"context"
	"fmt"
)

// Pair is a single key/value record flowing between mapper, reducer,
// and bucket storage. Key and Value are opaque byte strings; codecs
// outside this package are responsible for encoding application values
// into them.
type Pair struct {
	Key   []byte
	Value []byte
}

// PairWriter accepts pairs emitted by a mapper or reducer. Implementations
// must preserve the order in which pairs are emitted within a single call,
// per the ordering guarantee in this system's concurrency model: a single
// task's output preserves the order its user function produced.
type PairWriter interface {
	Emit(ctx context.Context, key, value []byte) error
}

// ValueIter yields the values associated with one key during a reduce.
// The order in which Next returns values for a given key is unspecified.
type ValueIter interface {
	// Next returns the next value, or ok=false once exhausted.
	Next() (value []byte, ok bool)
}

// Mapper transforms one input pair into zero or more output pairs,
// written through out. It is invoked once per input pair.
type Mapper func(ctx context.Context, key, value []byte, out PairWriter) error

// Reducer is invoked once per distinct key in a reduce task's input,
// with an iterator over every value observed for that key across all
// upstream sources.
type Reducer func(ctx context.Context, key []byte, values ValueIter, out PairWriter) error

// Partitioner maps a key to a split index in [0, n). It must be a pure,
// deterministic function of (key, n): the same key and split count
// always produce the same split, both within one run and across runs.
type Partitioner func(key []byte, n int) int

// ErrNotRegistered is returned by a Lookup* function when no function
// has been registered under the given name.
type ErrNotRegistered struct {
	Kind string
	Name string
}

func (e *ErrNotRegistered) Error() string {
	return fmt.Sprintf("mrs: no %s registered under name %q", e.Kind, e.Name)
}
