package exec

import "context"

// DistributedExecutor adapts a Scheduler (driving a real master.Pool
// over RPC) to the Executor interface a Session depends on. It is a
// thin wrapper: almost everything lives on Scheduler already, since
// the graph/scheduler/session split would otherwise require threading
// mutable state across package boundaries (see the package doc on
// Scheduler).
type DistributedExecutor struct {
	sched *Scheduler
}

// NewDistributedExecutor wraps sched. The caller is responsible for
// starting sched.Run(ctx) in its own goroutine (the Scheduler and the
// Executor are deliberately separable: tests drive a Scheduler
// directly without going through Session at all).
func NewDistributedExecutor(sched *Scheduler) *DistributedExecutor {
	return &DistributedExecutor{sched: sched}
}

func (e *DistributedExecutor) Submit(ds *Dataset) error { return e.sched.Submit(ds) }
func (e *DistributedExecutor) Close(id string)          { e.sched.Close(id) }
func (e *DistributedExecutor) Out() <-chan Message      { return e.sched.Out() }

// Shutdown is a no-op: the Scheduler's Run loop and the master.Pool's
// background goroutines are both bound to the ctx passed to Run and to
// the master/worker RPC servers' own lifetimes, not to the executor.
func (e *DistributedExecutor) Shutdown(ctx context.Context) error { return nil }
