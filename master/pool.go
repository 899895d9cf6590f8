// Package master implements the worker-pool side of the master↔worker
// protocol: signin, task assignment bookkeeping, completion handling,
// and the heartbeat that declares a worker LOST after missing enough
// consecutive pings. It does not know about datasets or the task
// scheduler (package exec) at all; it drives the scheduler purely
// through the OnTaskDone/OnTaskLost/OnTaskFailed callbacks, so exec depends on
// master and not the other way around.
package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/kseppi/mrs-mapreduce/rpc"
)

// State is a worker's state from the master's point of view.
type State int

const (
	Unregistered State = iota
	Idle
	Assigned
	Lost
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Assigned:
		return "ASSIGNED"
	case Lost:
		return "LOST"
	default:
		return "UNREGISTERED"
	}
}

// taskKey identifies a task by its dataset and index, for the pool's
// internal task->worker bookkeeping.
type taskKey struct {
	DatasetID string
	TaskIndex int
}

type workerEntry struct {
	id     string
	cookie string
	addr   string
	state  State
	client *rpc.Client

	lastSeen time.Time
	misses   int
	task     *taskKey
}

// Options configures a Pool.
type Options struct {
	// PingInterval is how often the master pings a registered worker.
	// Defaults to 5s, per the specification's default P.
	PingInterval time.Duration
	// MaxMisses is how many consecutive missed pings declare a worker
	// LOST. Defaults to 3, the specification's default k.
	MaxMisses int
	// CallTimeout bounds each ping, assign, and cancel RPC. Defaults to
	// rpc.DefaultCallTimeout.
	CallTimeout time.Duration
	Logger      hclog.Logger
}

// Pool tracks the set of registered workers and their liveness.
type Pool struct {
	opts Options
	log  hclog.Logger

	mu       sync.Mutex
	workers  map[string]*workerEntry // by worker id
	byCookie map[string]string       // cookie -> worker id
	tasks    map[taskKey]string      // task -> worker id
	idleCh   chan string

	// OnTaskDone is invoked (outside the pool's lock) when a worker
	// reports completion of a task. It is the scheduler's task_done
	// entry point (package exec).
	OnTaskDone func(workerID string, args rpc.TaskDoneArgs)
	// OnTaskLost is invoked when a worker is declared LOST while it had
	// an outstanding assignment. It is the scheduler's task_lost entry
	// point.
	OnTaskLost func(workerID string, task rpc.TaskDescriptor)
	// OnTaskFailed is invoked when a worker reports that a mapper,
	// reducer, or partitioner raised during task execution. Unlike
	// OnTaskLost, the worker itself stays registered and IDLE.
	OnTaskFailed func(workerID string, args rpc.TaskFailArgs)
}

// New returns an empty Pool.
func New(opts Options) *Pool {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 5 * time.Second
	}
	if opts.MaxMisses <= 0 {
		opts.MaxMisses = 3
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = rpc.DefaultCallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	return &Pool{
		opts:     opts,
		log:      opts.Logger,
		workers:  make(map[string]*workerEntry),
		byCookie: make(map[string]string),
		tasks:    make(map[taskKey]string),
		idleCh:   make(chan string, 64),
	}
}

// Idle returns a channel that receives a worker id each time a worker
// transitions into IDLE (including immediately after a successful
// signin). The scheduler selects on this channel as one of the three
// wakeup events driving dispatch.
func (p *Pool) Idle() <-chan string { return p.idleCh }

func (p *Pool) notifyIdle(id string) {
	select {
	case p.idleCh <- id:
	default:
		// The channel is a hint, not a queue of record: the scheduler
		// always re-scans all idle workers on wakeup, so a dropped
		// notification here only risks a slightly delayed dispatch, not
		// a missed one.
	}
}

// Signin implements rpc.MasterService.
func (p *Pool) Signin(ctx context.Context, args rpc.SigninArgs) (rpc.SigninReply, error) {
	p.mu.Lock()
	if _, collide := p.byCookie[args.Cookie]; collide {
		p.mu.Unlock()
		return rpc.SigninReply{OK: false}, fmt.Errorf("master: signin: cookie collision")
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		p.mu.Unlock()
		return rpc.SigninReply{OK: false}, err
	}
	addr := fmt.Sprintf("%s:%d", args.Host, args.Port)
	w := &workerEntry{
		id:       id,
		cookie:   args.Cookie,
		addr:     addr,
		state:    Idle,
		client:   rpc.NewClient(addr),
		lastSeen: time.Now(),
	}
	p.workers[id] = w
	p.byCookie[args.Cookie] = id
	p.mu.Unlock()

	p.log.Info("worker signed in", "worker_id", id, "addr", addr)
	p.notifyIdle(id)
	go p.heartbeat(w)
	return rpc.SigninReply{OK: true, WorkerID: id}, nil
}

// Ping implements rpc.MasterService: a worker-initiated keepalive. The
// master's own liveness signal for a worker is its active ping loop
// below, not this handler; this exists so the protocol is symmetric
// per the wire table ("ping: either side").
func (p *Pool) Ping(ctx context.Context, args rpc.PingArgs) (rpc.PingReply, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byCookie[args.Cookie]
	if !ok {
		return rpc.PingReply{OK: false}, fmt.Errorf("master: ping: unknown cookie")
	}
	if w := p.workers[id]; w != nil {
		w.lastSeen = time.Now()
	}
	return rpc.PingReply{OK: true}, nil
}

// TaskDone implements rpc.MasterService.
func (p *Pool) TaskDone(ctx context.Context, args rpc.TaskDoneArgs) (rpc.TaskDoneReply, error) {
	key := taskKey{DatasetID: args.DatasetID, TaskIndex: args.TaskIndex}
	p.mu.Lock()
	id, ok := p.tasks[key]
	if !ok {
		p.mu.Unlock()
		// A completion for a task we no longer track: it was cancelled
		// or already reassigned. Acknowledge but drop it, per the
		// cancellation rule ("ignores any late completion").
		return rpc.TaskDoneReply{OK: true}, nil
	}
	delete(p.tasks, key)
	w := p.workers[id]
	if w != nil && w.state == Assigned {
		w.state = Idle
		w.task = nil
		w.misses = 0
	}
	p.mu.Unlock()

	if p.OnTaskDone != nil {
		p.OnTaskDone(id, args)
	}
	p.notifyIdle(id)
	return rpc.TaskDoneReply{OK: true}, nil
}

// TaskFail implements rpc.MasterService: a worker reports that task
// execution raised (UserFunctionFailed). The worker is returned to
// IDLE immediately, without waiting for a ping timeout, since it is
// known to still be alive.
func (p *Pool) TaskFail(ctx context.Context, args rpc.TaskFailArgs) (rpc.TaskFailReply, error) {
	key := taskKey{DatasetID: args.DatasetID, TaskIndex: args.TaskIndex}
	p.mu.Lock()
	id, ok := p.tasks[key]
	if !ok {
		p.mu.Unlock()
		return rpc.TaskFailReply{OK: true}, nil
	}
	delete(p.tasks, key)
	w := p.workers[id]
	if w != nil && w.state == Assigned {
		w.state = Idle
		w.task = nil
		w.misses = 0
	}
	p.mu.Unlock()

	if p.OnTaskFailed != nil {
		p.OnTaskFailed(id, args)
	}
	p.notifyIdle(id)
	return rpc.TaskFailReply{OK: true}, nil
}

// Assign pushes task to worker id, transitioning it IDLE -> ASSIGNED.
func (p *Pool) Assign(ctx context.Context, id string, task rpc.TaskDescriptor) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok || w.state != Idle {
		p.mu.Unlock()
		return fmt.Errorf("master: assign: worker %s not idle", id)
	}
	w.state = Assigned
	w.task = &taskKey{DatasetID: task.DatasetID, TaskIndex: task.TaskIndex}
	client := w.client
	p.tasks[*w.task] = id
	p.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	defer cancel()
	var reply rpc.AssignReply
	if err := client.Call(callCtx, rpc.MethodAssign, rpc.AssignArgs{Task: task}, &reply); err != nil {
		// Treat a failed assignment call the same as an immediate loss of
		// the worker: the task goes back to the scheduler for
		// reassignment, and the worker is marked LOST so it is not
		// offered again until it re-signs in.
		p.markLost(id)
		return err
	}
	return nil
}

// CancelTask withdraws a task assignment, per the cancellation rule: a
// late completion for it will already have been dropped by TaskDone
// above by the time this returns.
func (p *Pool) CancelTask(ctx context.Context, datasetID string, taskIndex int) {
	key := taskKey{DatasetID: datasetID, TaskIndex: taskIndex}
	p.mu.Lock()
	id, ok := p.tasks[key]
	if ok {
		delete(p.tasks, key)
	}
	var client *rpc.Client
	if w := p.workers[id]; ok && w != nil {
		client = w.client
	}
	p.mu.Unlock()
	if client == nil {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
	defer cancel()
	var reply rpc.CancelReply
	if err := client.Call(callCtx, rpc.MethodCancel, rpc.CancelArgs{DatasetID: datasetID, TaskIndex: taskIndex}, &reply); err != nil {
		p.log.Debug("cancel call failed, worker likely already gone", "worker_id", id, "error", err)
	}
}

// heartbeat pings w on a fixed interval until it is declared LOST.
func (p *Pool) heartbeat(w *workerEntry) {
	ticker := time.NewTicker(p.opts.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		if w.state == Lost {
			p.mu.Unlock()
			return
		}
		cookie := w.cookie
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), p.opts.CallTimeout)
		var reply rpc.PingReply
		err := w.client.Call(ctx, rpc.MethodPing, rpc.PingArgs{Cookie: cookie}, &reply)
		cancel()

		p.mu.Lock()
		if err != nil || !reply.OK {
			w.misses++
			p.log.Debug("missed ping", "worker_id", w.id, "misses", w.misses)
			if w.misses >= p.opts.MaxMisses {
				p.mu.Unlock()
				p.markLost(w.id)
				return
			}
		} else {
			w.misses = 0
			w.lastSeen = time.Now()
		}
		p.mu.Unlock()
	}
}

// markLost transitions a worker to LOST and, if it had an outstanding
// task, invokes OnTaskLost so the scheduler can requeue it.
func (p *Pool) markLost(id string) {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok || w.state == Lost {
		p.mu.Unlock()
		return
	}
	w.state = Lost
	var lostTask *taskKey
	if w.task != nil {
		lostTask = w.task
		delete(p.tasks, *lostTask)
	}
	delete(p.byCookie, w.cookie)
	p.mu.Unlock()

	p.log.Warn("worker lost", "worker_id", id)
	if lostTask != nil && p.OnTaskLost != nil {
		p.OnTaskLost(id, rpc.TaskDescriptor{DatasetID: lostTask.DatasetID, TaskIndex: lostTask.TaskIndex})
	}
}

// State returns the current state of a worker, for tests and
// diagnostics.
func (p *Pool) State(id string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.workers[id]; ok {
		return w.state
	}
	return Unregistered
}

// IdleWorkers returns the ids of workers currently IDLE, in no
// particular order. The scheduler (package exec) uses this to plan a
// batch of assignments before calling Assign on each; a worker picked
// here that races with another caller simply causes that Assign call
// to fail with "not idle", which the scheduler treats like any other
// assignment failure (requeue the task).
func (p *Pool) IdleWorkers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.workers))
	for id, w := range p.workers {
		if w.state == Idle {
			ids = append(ids, id)
		}
	}
	return ids
}

// Size returns the number of currently non-LOST registered workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		if w.state != Lost {
			n++
		}
	}
	return n
}
