package exec

import (
	"context"
	"sync"
	"time"

	"github.com/grailbio/base/sync/ctxsync"
)

// driver is the data-manager half of the scheduler <-> user-driver
// pipe (§4.5a): it drains the scheduler's outgoing messages and
// maintains the state wait/progress need, condition-broadcasting on
// every change. Grounded on original_source/mrs/runner.py's BaseRunner
// event loop, translated from a job_conn pipe read by select.poll into
// Go's channel-select idiom; the condition variable itself is
// exec/bigmachine.go's worker.cond pattern (ctxsync.Cond guarding a
// plain mutex).
type driver struct {
	mu   sync.Mutex
	cond *ctxsync.Cond

	computing map[string]bool
	maxSource map[string]int
	totalSrc  map[string]int
}

func newDriver() *driver {
	d := &driver{
		computing: make(map[string]bool),
		maxSource: make(map[string]int),
		totalSrc:  make(map[string]int),
	}
	d.cond = ctxsync.NewCond(&d.mu)
	return d
}

// track registers a freshly submitted dataset so wait/progress know
// about it before the first scheduler message concerning it arrives.
func (d *driver) track(id string, computing bool, totalSources int) {
	d.mu.Lock()
	d.computing[id] = computing
	d.totalSrc[id] = totalSources
	d.mu.Unlock()
}

// run drains sched's outgoing message channel until ctx is done,
// updating wait/progress state and broadcasting on every change.
func (d *driver) run(ctx context.Context, out <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-out:
			if !ok {
				return
			}
			d.handle(msg)
		}
	}
}

func (d *driver) handle(msg Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch msg.Type {
	case MsgDatasetComputed:
		d.computing[msg.DatasetID] = false
		d.cond.Broadcast()
	case MsgBucketReady:
		if msg.Bucket != nil {
			if seen := msg.Bucket.Source + 1; seen > d.maxSource[msg.DatasetID] {
				d.maxSource[msg.DatasetID] = seen
			}
		}
		d.cond.Broadcast()
	case MsgJobDone:
		// A fatal scheduler error: every still-computing dataset is
		// considered done (failed) so a blocked wait() returns instead of
		// hanging until its timeout.
		for id, computing := range d.computing {
			if computing {
				d.computing[id] = false
			}
		}
		d.cond.Broadcast()
	}
}

// wait implements §4.5's wait(*datasets, timeout): block until every
// named dataset is no longer computing, or timeout elapses, returning
// the subset that finished.
func (d *driver) wait(ctx context.Context, ids []string, timeout time.Duration) []string {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		done := make([]string, 0, len(ids))
		allDone := true
		for _, id := range ids {
			if !d.computing[id] {
				done = append(done, id)
			} else {
				allDone = false
			}
		}
		if allDone || ctx.Err() != nil {
			return done
		}
		if err := d.cond.Wait(ctx); err != nil {
			return done
		}
	}
}

// progress implements §4.5's progress(dataset) formula:
// (max_source_seen+1)/total_sources, computed from the BucketReady
// stream observed so far.
func (d *driver) progress(id string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := d.totalSrc[id]
	if total == 0 {
		return 1
	}
	p := float64(d.maxSource[id]) / float64(total)
	if p > 1 {
		p = 1
	}
	return p
}
