package exec

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/kseppi/mrs-mapreduce/bucket"
	"github.com/kseppi/mrs-mapreduce/mrs"
)

// LocalExecutor runs every ComputedData synchronously in-process,
// reading and writing bucket.Bucket pairs directly rather than over
// HTTP. It backs the "run serial" CLI mode (§12's supplemented
// feature): no bucket HTTP server, no RPC, no worker pool — every
// Submit call fully computes its dataset before returning, which is
// why it needs neither a dispatch loop nor a Run method the way
// Scheduler does.
type LocalExecutor struct {
	jobDir     string
	keepJobdir bool

	mu       sync.Mutex
	datasets map[string]*Dataset
	out      chan Message
}

// NewLocalExecutor returns a LocalExecutor rooted at jobDir.
func NewLocalExecutor(jobDir string, keepJobdir bool) *LocalExecutor {
	return &LocalExecutor{
		jobDir:     jobDir,
		keepJobdir: keepJobdir,
		datasets:   make(map[string]*Dataset),
		out:        make(chan Message, 64),
	}
}

func (e *LocalExecutor) Out() <-chan Message { return e.out }

func (e *LocalExecutor) emit(msg Message) {
	select {
	case e.out <- msg:
	default:
		e.out <- msg
	}
}

// Submit computes ds (if it is a ComputedData) to completion before
// returning, then reports DatasetComputed.
func (e *LocalExecutor) Submit(ds *Dataset) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.datasets[ds.ID]; exists {
		return fmt.Errorf("exec: dataset %q already submitted", ds.ID)
	}
	e.datasets[ds.ID] = ds

	if ds.Op != "" {
		if err := e.runComputed(ds); err != nil {
			return err
		}
	}
	e.emit(Message{Type: MsgDatasetComputed, DatasetID: ds.ID})
	return nil
}

// Close is a no-op past bookkeeping: every dataset is already done by
// the time Submit returns, so there is never an in-flight computation
// to interrupt. Non-permanent datasets are still removed on request,
// honoring the keep_jobdir override.
func (e *LocalExecutor) Close(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, ok := e.datasets[id]
	if !ok || ds.Closed {
		return
	}
	ds.Closed = true
	if !ds.Permanent && !e.keepJobdir && ds.OutDir != "" {
		_ = os.RemoveAll(ds.OutDir)
	}
}

func (e *LocalExecutor) Shutdown(ctx context.Context) error { return nil }

// runComputed implements §4.2/§4.3's task semantics without a
// scheduler: for each input column, gather pairs across all source
// rows, apply the operation, partition the result into ds.Splits
// output buckets, and spill each non-empty one.
func (e *LocalExecutor) runComputed(ds *Dataset) error {
	input := e.datasets[ds.InputID]
	if input == nil {
		return fmt.Errorf("exec: dataset %q references unknown input %q", ds.ID, ds.InputID)
	}
	if ds.OutDir != "" {
		if err := os.MkdirAll(ds.OutDir, 0o755); err != nil {
			return err
		}
	}
	partitioner, err := mrs.LookupPartitioner(ds.PartitionerName)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for col := 0; col < ds.NTasks; col++ {
		nonEmpty := false
		for src := 0; src < input.Sources; src++ {
			if b := input.Buckets[src][col]; b != nil && !b.Empty() {
				nonEmpty = true
				break
			}
		}
		if !nonEmpty {
			continue
		}

		out := make([]*bucket.Bucket, ds.Splits)
		for i := range out {
			out[i] = bucket.New(col, i, ds.Format)
		}
		writer := &localPartitionedWriter{part: partitioner, n: ds.Splits, out: out}

		switch ds.Op {
		case OpMap:
			if err := e.runMapColumn(ctx, ds, input, col, writer); err != nil {
				return err
			}
		case OpReduce, OpReduceMap:
			if err := e.runReduceColumn(ctx, ds, input, col, writer); err != nil {
				return err
			}
		default:
			return fmt.Errorf("exec: local executor: unknown op %q", ds.Op)
		}

		for split, b := range out {
			if b.Empty() {
				continue
			}
			if ds.OutDir != "" {
				if err := b.Spill(func(path string) (io.WriteCloser, error) {
					return os.Create(path)
				}, ds.OutDir); err != nil {
					return err
				}
				rel, err := filepath.Rel(e.jobDir, b.Filename())
				if err == nil {
					b.SetURL("local://" + rel)
				}
			}
			ds.Buckets[col][split] = b
			e.emit(Message{Type: MsgBucketReady, DatasetID: ds.ID, Bucket: b})
		}
	}
	return nil
}

func (e *LocalExecutor) runMapColumn(ctx context.Context, ds *Dataset, input *Dataset, col int, out mrs.PairWriter) error {
	mapper, err := mrs.LookupMapper(ds.MapperName)
	if err != nil {
		return err
	}
	for src := 0; src < input.Sources; src++ {
		b := input.Buckets[src][col]
		if b == nil {
			continue
		}
		for _, p := range b.Pairs() {
			if err := mapper(ctx, p.Key, p.Value, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *LocalExecutor) runReduceColumn(ctx context.Context, ds *Dataset, input *Dataset, col int, out mrs.PairWriter) error {
	reducer, err := mrs.LookupReducer(ds.ReducerName)
	if err != nil {
		return err
	}
	writer := out
	if ds.Op == OpReduceMap {
		mapper, err := mrs.LookupMapper(ds.MapperName)
		if err != nil {
			return err
		}
		writer = &localMapAfterReduce{mapper: mapper, final: out}
	}

	groups := map[string][][]byte{}
	var order []string
	for src := 0; src < input.Sources; src++ {
		b := input.Buckets[src][col]
		if b == nil {
			continue
		}
		for _, p := range b.Pairs() {
			key := string(p.Key)
			if _, ok := groups[key]; !ok {
				order = append(order, key)
			}
			groups[key] = append(groups[key], p.Value)
		}
	}
	for _, key := range order {
		values := &sliceValueIter{values: groups[key]}
		if err := reducer(ctx, []byte(key), values, writer); err != nil {
			return err
		}
	}
	return nil
}

// localPartitionedWriter mirrors worker.partitionedWriter: it applies
// ds's partitioner to route an emitted pair into the right output
// bucket. Duplicated rather than shared because the worker package's
// version is unexported and the two executors have no other reason to
// depend on each other.
type localPartitionedWriter struct {
	part mrs.Partitioner
	n    int
	out  []*bucket.Bucket
}

func (w *localPartitionedWriter) Emit(ctx context.Context, key, value []byte) error {
	split := w.part(key, w.n)
	return w.out[split].Append(key, value)
}

type localMapAfterReduce struct {
	mapper mrs.Mapper
	final  mrs.PairWriter
}

func (w *localMapAfterReduce) Emit(ctx context.Context, key, value []byte) error {
	return w.mapper(ctx, key, value, w.final)
}

// sliceValueIter adapts an in-memory slice to mrs.ValueIter.
type sliceValueIter struct {
	values [][]byte
	i      int
}

func (it *sliceValueIter) Next() ([]byte, bool) {
	if it.i >= len(it.values) {
		return nil, false
	}
	v := it.values[it.i]
	it.i++
	return v, true
}
