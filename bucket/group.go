package bucket

import "github.com/kseppi/mrs-mapreduce/mrs"

// Grouper turns a key-ordered Merge into a sequence of (key, values)
// groups, invoking a reducer once per distinct key as spec'd. It reads
// one key-group ahead so that Next can report whether a group exists
// without the caller needing to peek.
type Grouper struct {
	merge   *Merge
	pending *mrs.Pair
	err     error
}

// NewGrouper wraps merge for group-by-key iteration.
func NewGrouper(merge *Merge) *Grouper {
	return &Grouper{merge: merge}
}

// Next returns the key and a ValueIter over that key's values, or
// ok=false once the underlying merge is exhausted.
func (g *Grouper) Next() (key []byte, values mrs.ValueIter, ok bool, err error) {
	if g.err != nil {
		return nil, nil, false, g.err
	}
	first := g.pending
	if first == nil {
		p, err := g.merge.Next()
		if err == EOF {
			return nil, nil, false, nil
		}
		if err != nil {
			g.err = err
			return nil, nil, false, err
		}
		first = &p
	}
	g.pending = nil

	vi := &groupValues{first: first}
	key = first.Key
	g.pendingFill(vi)
	return key, vi, true, nil
}

// pendingFill drains further pairs sharing vi's key into vi's buffer,
// stopping (and stashing the first pair of the next group in g.pending)
// once the key changes or the merge is exhausted.
func (g *Grouper) pendingFill(vi *groupValues) {
	for {
		p, err := g.merge.Next()
		if err == EOF {
			return
		}
		if err != nil {
			g.err = err
			return
		}
		if !bytesEqual(p.Key, vi.first.Key) {
			g.pending = &p
			return
		}
		vi.rest = append(vi.rest, p.Value)
	}
}

func bytesEqual(a, b []byte) bool {
	return compareBytes(a, b) == 0
}

// groupValues implements mrs.ValueIter over one key's values, the first
// of which is held separately (it was already read off the merge to
// detect the group boundary) and the rest buffered.
type groupValues struct {
	first *mrs.Pair
	rest  [][]byte
	i     int
	started bool
}

func (v *groupValues) Next() ([]byte, bool) {
	if !v.started {
		v.started = true
		return v.first.Value, true
	}
	if v.i >= len(v.rest) {
		return nil, false
	}
	val := v.rest[v.i]
	v.i++
	return val, true
}
