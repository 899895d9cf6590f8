package bucket

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"

	"github.com/kseppi/mrs-mapreduce/mrs"
)

// FetchRetryPolicy is the backoff used when re-dialing a bucket URL
// after a transient HTTP error, mirroring the teacher's retryPolicy for
// re-dialing a lost machine connection.
var FetchRetryPolicy = retry.Backoff(100*time.Millisecond, 2*time.Second, 1.5)

// MaxFetchRetries caps how many times httpReader will re-dial before
// giving up and surfacing an errors.Fatal-classed error, per this
// system's error handling design: exceeding the cap raises a task
// failure rather than retrying forever.
const MaxFetchRetries = 8

// httpReader is an io.ReadCloser over a bucket URL that transparently
// re-dials from the last successfully read byte offset on a transient
// error. It is the direct analogue of the teacher's retryReader wrapped
// around an openerAt, adapted from an RPC dial to a plain HTTP GET with
// a ?offset= query parameter (the bucket server in this package honors
// that parameter; see Server.handleFetch).
type httpReader struct {
	ctx    context.Context
	client *http.Client
	url    string

	body    io.ReadCloser
	err     error
	bytes   int64
	retries int
}

func newHTTPReader(ctx context.Context, client *http.Client, url string) *httpReader {
	return &httpReader{ctx: ctx, client: client, url: url}
}

func (r *httpReader) open() error {
	url := r.url
	if r.bytes > 0 {
		url = fmt.Sprintf("%s?offset=%d", r.url, r.bytes)
	}
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.E(errors.Temporary, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return errors.E(errors.NotExist, fmt.Sprintf("bucket: %s: not found", r.url))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return errors.E(errors.Temporary, fmt.Sprintf("bucket: %s: status %d", r.url, resp.StatusCode))
	}
	r.body = resp.Body
	return nil
}

func (r *httpReader) Read(p []byte) (int, error) {
	for {
		if r.err != nil {
			return 0, r.err
		}
		if r.body == nil {
			if r.retries > 0 {
				log.Debug.Printf("bucket fetch %s: retry %d at offset %d", r.url, r.retries, r.bytes)
			}
			if err := r.open(); err != nil {
				if !errors.Is(errors.Temporary, err) {
					r.err = err
					return 0, err
				}
				r.retries++
				if r.retries > MaxFetchRetries {
					r.err = errors.E(errors.Fatal, fmt.Errorf("bucket: %s: exceeded %d fetch retries: %w", r.url, MaxFetchRetries, err))
					return 0, r.err
				}
				if werr := retry.Wait(r.ctx, FetchRetryPolicy, r.retries); werr != nil {
					r.err = werr
					return 0, werr
				}
				continue
			}
		}
		n, err := r.body.Read(p)
		if n > 0 {
			r.bytes += int64(n)
		}
		if err == nil || err == io.EOF {
			return n, err
		}
		r.body.Close()
		r.body = nil
		r.retries++
		if r.retries > MaxFetchRetries {
			r.err = errors.E(errors.Fatal, fmt.Errorf("bucket: %s: exceeded %d fetch retries: %w", r.url, MaxFetchRetries, err))
			return n, r.err
		}
		if werr := retry.Wait(r.ctx, FetchRetryPolicy, r.retries); werr != nil {
			r.err = werr
			return n, werr
		}
	}
}

func (r *httpReader) Close() error {
	if r.body == nil {
		return nil
	}
	return r.body.Close()
}

// Fetch opens a PairReader over a bucket URL, retrying transient HTTP
// errors with backoff. The caller must Close the returned io.Closer
// (the PairReader additionally implements io.Closer) once done.
func Fetch(ctx context.Context, client *http.Client, url string, format Format) (PairReader, io.Closer, error) {
	hr := newHTTPReader(ctx, client, url)
	return NewReader(hr, format), hr, nil
}

// source pairs a PairReader with the bucket index it was read from, for
// the shuffle merge below.
type source struct {
	index  int
	reader PairReader
	closer io.Closer
	next   mrs.Pair
	done   bool
}

// Merge performs a reduce task's shuffle: it reads all of the given
// per-source readers and yields pairs grouped and ordered by key,
// ascending, via a min-heap over the sources' current heads. Per this
// system's open question on value ordering, Merge makes no guarantee
// about the relative order of values sharing a key; it only guarantees
// keys are grouped and presented in non-decreasing order.
type Merge struct {
	h    mergeHeap
	errc error
}

// NewMerge constructs a Merge over readers, pulling one pair from each
// to seed the heap. Readers that are immediately empty are dropped.
func NewMerge(readers []PairReader, closers []io.Closer) (*Merge, error) {
	m := &Merge{}
	for i, r := range readers {
		var c io.Closer
		if i < len(closers) {
			c = closers[i]
		}
		s := &source{index: i, reader: r, closer: c}
		if err := s.advance(); err != nil {
			return nil, err
		}
		if !s.done {
			m.h = append(m.h, s)
		}
	}
	heap.Init(&m.h)
	return m, nil
}

func (s *source) advance() error {
	p, err := s.reader.Read()
	if err == EOF {
		s.done = true
		if s.closer != nil {
			s.closer.Close()
		}
		return nil
	}
	if err != nil {
		return err
	}
	s.next = p
	return nil
}

// Next returns the next pair in key order, or EOF once all sources are
// exhausted.
func (m *Merge) Next() (mrs.Pair, error) {
	if len(m.h) == 0 {
		return mrs.Pair{}, EOF
	}
	top := m.h[0]
	pair := top.next
	if err := top.advance(); err != nil {
		return mrs.Pair{}, err
	}
	if top.done {
		heap.Pop(&m.h)
	} else {
		heap.Fix(&m.h, 0)
	}
	return pair, nil
}

type mergeHeap []*source

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := compareBytes(h[i].next.Key, h[j].next.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].index < h[j].index
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*source)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
