// Package worker implements the worker side of the master↔worker
// protocol: it signs in with a master, accepts task assignments, runs
// a mapper, reducer, or reducemap against its shuffled input, spills
// the resulting buckets, and reports completion or failure. Task
// execution is grounded on psampaz-bigslice's exec/bigmachine.go
// worker.Run, generalized from bigslice's combiner/frame machinery to
// this system's fixed map/reduce/reducemap operation set.
package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/hashicorp/go-uuid"

	"github.com/kseppi/mrs-mapreduce/bucket"
	"github.com/kseppi/mrs-mapreduce/mrs"
	"github.com/kseppi/mrs-mapreduce/rpc"
)

// Options configures a Worker.
type Options struct {
	MasterAddr    string
	AdvertiseHost string
	DataDir       string
	MaxFetchConns int
}

// Worker is the task-execution daemon: one process per worker node.
type Worker struct {
	opts   Options
	master *rpc.Client
	cookie string

	rpcLn     net.Listener
	rpcServer *http.Server
	buckets   *bucket.Server
	bucketURL bucket.URLConverter

	mu      sync.Mutex
	id      string
	current *rpc.TaskDescriptor
	cancel  context.CancelFunc
}

// New returns a Worker that has not yet signed in or started serving.
func New(opts Options) (*Worker, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("worker: DataDir is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, err
	}
	cookie, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	return &Worker{
		opts:   opts,
		master: rpc.NewClient(opts.MasterAddr),
		cookie: cookie,
	}, nil
}

// Run starts the worker's RPC and bucket-fetch listeners, signs in
// with the master, and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	rpcLn, err := net.Listen("tcp", ":0")
	if err != nil {
		return fmt.Errorf("worker: listen: %w", err)
	}
	w.rpcLn = rpcLn
	w.rpcServer = &http.Server{Handler: rpc.NewWorkerServer(w)}
	go func() {
		if err := w.rpcServer.Serve(rpcLn); err != nil && err != http.ErrServerClosed {
			log.Printf("worker: rpc server: %v", err)
		}
	}()
	defer w.rpcServer.Close()

	w.buckets = bucket.NewServer(w.opts.DataDir, w.opts.MaxFetchConns)
	bucketAddr, err := w.buckets.Start(ctx)
	if err != nil {
		return fmt.Errorf("worker: bucket server: %w", err)
	}
	defer w.buckets.Shutdown(context.Background())

	conv, err := bucket.SplitHostPort(bucketAddr, w.opts.AdvertiseHost)
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	w.bucketURL = conv

	_, rpcPort, err := net.SplitHostPort(rpcLn.Addr().String())
	if err != nil {
		return err
	}
	var port int
	if _, err := fmt.Sscanf(rpcPort, "%d", &port); err != nil {
		return err
	}

	var reply rpc.SigninReply
	signinCtx, cancel := context.WithTimeout(ctx, rpc.DefaultCallTimeout)
	err = w.master.Call(signinCtx, rpc.MethodSignin, rpc.SigninArgs{
		Cookie: w.cookie,
		Host:   w.opts.AdvertiseHost,
		Port:   port,
	}, &reply)
	cancel()
	if err != nil {
		return errors.E(errors.Fatal, fmt.Errorf("worker: signin: %w", err))
	}
	if !reply.OK {
		return errors.E(errors.Fatal, fmt.Errorf("worker: signin rejected"))
	}
	w.mu.Lock()
	w.id = reply.WorkerID
	w.mu.Unlock()
	log.Printf("worker: signed in as %s", reply.WorkerID)

	<-ctx.Done()
	return ctx.Err()
}

// Ping implements rpc.WorkerService.
func (w *Worker) Ping(ctx context.Context, args rpc.PingArgs) (rpc.PingReply, error) {
	if args.Cookie != w.cookie {
		return rpc.PingReply{OK: false}, fmt.Errorf("worker: ping: cookie mismatch")
	}
	return rpc.PingReply{OK: true}, nil
}

// Assign implements rpc.WorkerService. It refuses a second assignment
// while one is outstanding; the master tracks at most one per worker,
// so this indicates a stale or duplicate delivery.
func (w *Worker) Assign(ctx context.Context, args rpc.AssignArgs) (rpc.AssignReply, error) {
	w.mu.Lock()
	if w.current != nil {
		w.mu.Unlock()
		return rpc.AssignReply{OK: false}, fmt.Errorf("worker: already running task %s/%d", w.current.DatasetID, w.current.TaskIndex)
	}
	task := args.Task
	w.current = &task
	taskCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	go w.execute(taskCtx, task)
	return rpc.AssignReply{OK: true}, nil
}

// Cancel implements rpc.WorkerService.
func (w *Worker) Cancel(ctx context.Context, args rpc.CancelArgs) (rpc.CancelReply, error) {
	w.mu.Lock()
	if w.current != nil && w.current.DatasetID == args.DatasetID && w.current.TaskIndex == args.TaskIndex {
		w.cancel()
	}
	w.mu.Unlock()
	return rpc.CancelReply{OK: true}, nil
}

func (w *Worker) clearCurrent() {
	w.mu.Lock()
	w.current = nil
	w.cancel = nil
	w.mu.Unlock()
}

// execute runs one task to completion (or failure) and reports the
// result to the master, per worker.Run in the teacher: fetch inputs,
// invoke the registered user function, spill outputs, then report.
func (w *Worker) execute(ctx context.Context, task rpc.TaskDescriptor) {
	defer w.clearCurrent()

	outDir := filepath.Join(w.opts.DataDir, task.DatasetID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		w.reportFail(ctx, task, err)
		return
	}

	outputs, err := w.run(ctx, task, outDir)
	if ctx.Err() != nil {
		// Cancelled: the master has already discarded this task, so no
		// report is sent at all (a late one would simply be dropped).
		return
	}
	if err != nil {
		w.reportFail(ctx, task, err)
		return
	}
	w.reportDone(ctx, task, outputs)
}

func (w *Worker) run(ctx context.Context, task rpc.TaskDescriptor, outDir string) ([]rpc.BucketURL, error) {
	format := bucket.Format(task.Format)
	if format == "" {
		format = bucket.FormatHex
	}

	out := make([]*bucket.Bucket, task.NumOutputs)
	for i := range out {
		out[i] = bucket.New(task.TaskIndex, i, format)
	}

	partitioner, err := mrs.LookupPartitioner(task.PartitionerName)
	if err != nil {
		return nil, errors.E(errors.Fatal, err)
	}
	writer := &partitionedWriter{part: partitioner, n: task.NumOutputs, out: out}

	switch task.Op {
	case "map":
		if err := w.runMap(ctx, task, writer); err != nil {
			return nil, err
		}
	case "reduce", "reducemap":
		if err := w.runReduce(ctx, task, writer); err != nil {
			return nil, err
		}
	default:
		return nil, errors.E(errors.Fatal, fmt.Errorf("worker: unknown op %q", task.Op))
	}

	urls := make([]rpc.BucketURL, 0, len(out))
	for split, b := range out {
		if b.Empty() {
			continue
		}
		if err := b.Spill(func(path string) (io.WriteCloser, error) {
			return os.Create(path)
		}, outDir); err != nil {
			return nil, errors.E(errors.Fatal, err)
		}
		rel, err := filepath.Rel(w.opts.DataDir, b.Filename())
		if err != nil {
			return nil, errors.E(errors.Fatal, err)
		}
		url := w.bucketURL.URL(rel)
		urls = append(urls, rpc.BucketURL{Split: split, URL: url})
	}
	return urls, nil
}

func (w *Worker) reportDone(ctx context.Context, task rpc.TaskDescriptor, outputs []rpc.BucketURL) {
	callCtx, cancel := context.WithTimeout(ctx, rpc.DefaultCallTimeout)
	defer cancel()
	var reply rpc.TaskDoneReply
	err := w.master.Call(callCtx, rpc.MethodTaskDone, rpc.TaskDoneArgs{
		DatasetID: task.DatasetID,
		TaskIndex: task.TaskIndex,
		Outputs:   outputs,
	}, &reply)
	if err != nil {
		log.Printf("worker: task_done: %v", err)
	}
}

func (w *Worker) reportFail(ctx context.Context, task rpc.TaskDescriptor, taskErr error) {
	log.Printf("worker: task %s/%d failed: %v", task.DatasetID, task.TaskIndex, taskErr)
	callCtx, cancel := context.WithTimeout(ctx, rpc.DefaultCallTimeout)
	defer cancel()
	var reply rpc.TaskFailReply
	err := w.master.Call(callCtx, rpc.MethodTaskFail, rpc.TaskFailArgs{
		DatasetID: task.DatasetID,
		TaskIndex: task.TaskIndex,
		Reason:    taskErr.Error(),
	}, &reply)
	if err != nil {
		log.Printf("worker: task_fail: %v", err)
	}
}
