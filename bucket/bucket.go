// Package bucket implements the storage cell for one (source, split) of
// a dataset: the bucket file formats, the HTTP server that exposes
// buckets to downstream tasks by URL, and the fetch-with-retry reader
// and shuffle merge used on the reading side.
package bucket

import (
	"fmt"
	"sync"

	"github.com/kseppi/mrs-mapreduce/mrs"
)

// Format names a bucket's on-disk/wire encoding.
type Format string

const (
	// FormatHex is the default format: one pair per line, hex(key) SP
	// hex(value) NL. Hex encoding preserves the byte-wise sort order of
	// the raw key, so a hex bucket file can be sorted as text.
	FormatHex Format = "hex"
	// FormatBinary is a length-prefixed binary encoding, more compact
	// and faster to decode than FormatHex at the cost of not being
	// directly sortable as text.
	FormatBinary Format = "bin"
)

// Bucket is the storage cell for one (source, split) of a dataset. At
// most one writer ever writes to a Bucket over its lifetime; once the
// producing task completes, a Bucket is immutable and its URL final.
type Bucket struct {
	Source int
	Split  int
	Format Format

	mu       sync.Mutex
	url      string
	filename string
	pairs    []mrs.Pair
	spilled  bool
}

// New returns an empty, writable Bucket for the given cell.
func New(source, split int, format Format) *Bucket {
	if format == "" {
		format = FormatHex
	}
	return &Bucket{Source: source, Split: split, Format: format}
}

// FromURL returns a Bucket that already has data available at a URL
// (e.g. a FileData input, or a ComputedData bucket whose task has
// completed). It carries no in-memory pairs.
func FromURL(source, split int, format Format, url string) *Bucket {
	b := New(source, split, format)
	b.url = url
	return b
}

// Append adds one pair to the bucket's in-memory buffer. It is an error
// to Append after the bucket has been spilled or otherwise finalized.
func (b *Bucket) Append(key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spilled {
		return fmt.Errorf("bucket: append to finalized bucket source=%d split=%d", b.Source, b.Split)
	}
	b.pairs = append(b.pairs, mrs.Pair{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
	return nil
}

// Pairs returns the bucket's in-memory pairs, if any are still held
// in memory (nil once the bucket has been spilled and reopened purely
// by URL).
func (b *Bucket) Pairs() []mrs.Pair {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pairs
}

// Empty reports whether the bucket has no data: neither a URL nor any
// in-memory pairs. An empty column produces no task per the scheduler's
// splitting rule.
func (b *Bucket) Empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url == "" && len(b.pairs) == 0
}

// URL returns the bucket's URL, or "" if it has not yet been spilled or
// otherwise assigned one.
func (b *Bucket) URL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.url
}

// SetURL assigns the bucket's final URL. It is called once, when a
// bucket is spilled to a file or when a task reports completion with
// its output bucket URLs.
func (b *Bucket) SetURL(url string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.url = url
}

// Filename returns the local path backing this bucket, if any (set
// by Spill; empty for FileData/remote buckets).
func (b *Bucket) Filename() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filename
}

// FileName returns the conventional bucket file name for a given
// (source, split) cell, per the directory layout in the wire protocol:
// source_<S>_split_<I>.<ext>.
func FileName(source, split int, format Format) string {
	ext := "hex"
	if format == FormatBinary {
		ext = "bin"
	}
	return fmt.Sprintf("source_%d_split_%d.%s", source, split, ext)
}
