package exec

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/kseppi/mrs-mapreduce/bucket"
	"github.com/kseppi/mrs-mapreduce/mrs"
)

// Executor is the pluggable back end a Session dispatches work
// through. The distributed path (NewDistributedExecutor, backed by a
// Scheduler and a master.Pool) and the in-process serial path used by
// "run serial" (§12's supplemented feature, LocalExecutor in
// local.go) both implement it, mirroring the teacher's split between
// bigmachineExecutor and a generic Executor interface in eval.go.
type Executor interface {
	Submit(ds *Dataset) error
	Close(id string)
	Out() <-chan Message
	Shutdown(ctx context.Context) error
}

// Session is the programmatic surface exposed to a user's run
// function: file_data/local_data/map_data/reduce_data/reducemap_data/
// wait/progress, mirroring the teacher's bigslice.Func/exec.Session
// split (spec §6). It owns the id namespace for datasets it creates
// and a small bucket server of its own, used only to serve LocalData
// cells (data handed to the session as an in-memory iterable rather
// than produced by a task).
type Session struct {
	exec    Executor
	drv     *driver
	jobDir  string
	localSv *bucket.Server
	localCv bucket.URLConverter
	idSeq   uint64
}

// SessionOptions configures a Session.
type SessionOptions struct {
	// JobDir is the root directory for this job's dataset subdirectories
	// and for the session's own LocalData bucket files.
	JobDir string
	// AdvertiseHost is the host other processes should dial to fetch
	// LocalData buckets this session serves directly.
	AdvertiseHost string
}

// NewSession starts the driver message-pump goroutine and the
// session's own LocalData bucket server, and returns a ready Session.
// ctx bounds the lifetime of both background goroutines.
func NewSession(ctx context.Context, ex Executor, opts SessionOptions) (*Session, error) {
	if opts.JobDir == "" {
		return nil, fmt.Errorf("exec: JobDir is required")
	}
	if err := os.MkdirAll(opts.JobDir, 0o755); err != nil {
		return nil, err
	}
	srv := bucket.NewServer(opts.JobDir, 0)
	addr, err := srv.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("exec: local data server: %w", err)
	}
	cv, err := bucket.SplitHostPort(addr, opts.AdvertiseHost)
	if err != nil {
		return nil, err
	}
	d := newDriver()
	go d.run(ctx, ex.Out())
	return &Session{exec: ex, drv: d, jobDir: opts.JobDir, localSv: srv, localCv: cv}, nil
}

func (s *Session) genID(kind string) string {
	n := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("%s_%d", kind, n)
}

func (s *Session) datasetDir(id string) string {
	return filepath.Join(s.jobDir, "dataset_"+id)
}

// FileData registers external inputs: a single source row with one
// split per URL, no computation, per §4.2's "task i reads column i"
// decomposition (original_source/datasets.py's FileData: "all of the
// files come from a single source, with one split for each file"). It
// is done the instant it is submitted.
func (s *Session) FileData(urls []string, format bucket.Format) (*Dataset, error) {
	if format == "" {
		format = bucket.FormatHex
	}
	ds := &Dataset{
		ID:      s.genID("file"),
		Sources: 1,
		Splits:  len(urls),
		Format:  format,
		Buckets: newGrid(1, len(urls)),
	}
	for i, url := range urls {
		ds.Buckets[0][i] = bucket.FromURL(0, i, format, url)
	}
	s.drv.track(ds.ID, false, ds.Sources)
	if err := s.exec.Submit(ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// LocalData produces a dataset in-process from an in-memory iterable,
// per spec §6's local_data(iter, splits?, outdir?, partitioner?,
// format?): a single source row with one column per split, matching
// §4.2's "task i reads column i" decomposition. pairs[j] supplies the
// pairs for split j; splits defaults to len(pairs) but may exceed it
// (S3: local_data([], splits=4) yields four empty columns and zero
// downstream tasks) to decouple the split count from how many of
// those splits happen to carry data. It is written to a bucket file
// served by the session's own bucket server immediately, so a
// downstream task can fetch it like any other bucket.
func (s *Session) LocalData(pairs [][]mrs.Pair, splits int, format bucket.Format, permanent bool) (*Dataset, error) {
	if format == "" {
		format = bucket.FormatHex
	}
	if splits <= 0 {
		splits = len(pairs)
	}
	id := s.genID("local")
	dir := s.datasetDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ds := &Dataset{
		ID:        id,
		Sources:   1,
		Splits:    splits,
		Format:    format,
		Permanent: permanent,
		OutDir:    dir,
		Buckets:   newGrid(1, splits),
	}
	for split := 0; split < splits; split++ {
		b := bucket.New(0, split, format)
		if split < len(pairs) {
			for _, p := range pairs[split] {
				if err := b.Append(p.Key, p.Value); err != nil {
					return nil, err
				}
			}
		}
		if !b.Empty() {
			if err := b.Spill(func(path string) (io.WriteCloser, error) {
				return os.Create(path)
			}, dir); err != nil {
				return nil, err
			}
			rel, err := filepath.Rel(s.jobDir, b.Filename())
			if err != nil {
				return nil, err
			}
			b.SetURL(s.localCv.URL(rel))
		}
		ds.Buckets[0][split] = b
	}
	s.drv.track(ds.ID, false, ds.Sources)
	if err := s.exec.Submit(ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// DataOptions carries the shared optional parameters of
// map_data/reduce_data/reducemap_data.
type DataOptions struct {
	Splits      int
	OutDir      string
	Partitioner string
	Format      bucket.Format
	Permanent   bool
}

func (s *Session) submitComputed(input *Dataset, op Operation, mapper, reducer string, opts DataOptions) (*Dataset, error) {
	if opts.Splits <= 0 {
		opts.Splits = input.Splits
	}
	if opts.Format == "" {
		opts.Format = input.Format
	}
	id := s.genID(string(op))
	dir := opts.OutDir
	if dir == "" {
		dir = s.datasetDir(id)
	}
	ds := &Dataset{
		ID:              id,
		Sources:         input.Splits, // task i writes row i; ntasks == input.splits
		Splits:          opts.Splits,
		Permanent:       opts.Permanent,
		InputID:         input.ID,
		NTasks:          input.Splits,
		Op:              op,
		MapperName:      mapper,
		ReducerName:     reducer,
		PartitionerName: opts.Partitioner,
		Format:          opts.Format,
		OutDir:          dir,
		Buckets:         newGrid(input.Splits, opts.Splits),
	}
	s.drv.track(ds.ID, true, ds.Sources)
	if err := s.exec.Submit(ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// MapData applies a registered mapper to input, per spec §6's
// map_data(input, mapper, splits?, outdir?, partitioner?, format?).
func (s *Session) MapData(input *Dataset, mapper string, opts DataOptions) (*Dataset, error) {
	return s.submitComputed(input, OpMap, mapper, "", opts)
}

// ReduceData applies a registered reducer to input, shuffling and
// grouping by key, per spec §6's reduce_data(input, reducer, …).
func (s *Session) ReduceData(input *Dataset, reducer string, opts DataOptions) (*Dataset, error) {
	return s.submitComputed(input, OpReduce, "", reducer, opts)
}

// ReduceMapData fuses a reducer's output through a mapper before the
// final partitioned write, per spec §6's
// reducemap_data(input, reducer, mapper, …).
func (s *Session) ReduceMapData(input *Dataset, reducer, mapper string, opts DataOptions) (*Dataset, error) {
	return s.submitComputed(input, OpReduceMap, mapper, reducer, opts)
}

// Close implements spec §3's close request: a standing intent honored
// once the dataset is done and no computing dependent still needs it.
func (s *Session) Close(ds *Dataset) {
	s.exec.Close(ds.ID)
}

// Wait implements §4.5/§6's wait(datasets…, timeout): blocks until
// every named dataset is no longer computing, returning the subset
// that finished.
func (s *Session) Wait(ctx context.Context, timeout time.Duration, datasets ...*Dataset) []*Dataset {
	ids := make([]string, len(datasets))
	byID := make(map[string]*Dataset, len(datasets))
	for i, ds := range datasets {
		ids[i] = ds.ID
		byID[ds.ID] = ds
	}
	doneIDs := s.drv.wait(ctx, ids, timeout)
	out := make([]*Dataset, 0, len(doneIDs))
	for _, id := range doneIDs {
		out = append(out, byID[id])
	}
	return out
}

// Progress implements §4.5/§6's progress(dataset) formula.
func (s *Session) Progress(ds *Dataset) float64 {
	return s.drv.progress(ds.ID)
}

// Shutdown tears down the session's local bucket server and the
// underlying executor.
func (s *Session) Shutdown(ctx context.Context) error {
	_ = s.localSv.Shutdown(ctx)
	return s.exec.Shutdown(ctx)
}
