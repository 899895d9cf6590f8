package worker

import (
	"context"
	"io"
	"net/http"

	"github.com/kseppi/mrs-mapreduce/bucket"
	"github.com/kseppi/mrs-mapreduce/mrs"
	"github.com/kseppi/mrs-mapreduce/rpc"
)

// partitionedWriter is the PairWriter a mapper or reducer actually
// writes to: it applies the task's partitioner to route each emitted
// pair into the right output bucket.
type partitionedWriter struct {
	part mrs.Partitioner
	n    int
	out  []*bucket.Bucket
}

func (w *partitionedWriter) Emit(ctx context.Context, key, value []byte) error {
	split := w.part(key, w.n)
	return w.out[split].Append(key, value)
}

// mapAfterReduce fuses a mapper onto a reducer's output, for the
// reducemap operation: every pair the reducer emits is first passed
// through the mapper before reaching the final partitioned writer.
type mapAfterReduce struct {
	mapper mrs.Mapper
	final  mrs.PairWriter
}

func (w *mapAfterReduce) Emit(ctx context.Context, key, value []byte) error {
	return w.mapper(ctx, key, value, w.final)
}

// fetchAll opens a PairReader per URL, closing any already-opened
// reader if a later one fails to dial.
func fetchAll(ctx context.Context, client *http.Client, urls []string, format bucket.Format) ([]bucket.PairReader, []io.Closer, error) {
	readers := make([]bucket.PairReader, 0, len(urls))
	closers := make([]io.Closer, 0, len(urls))
	for _, u := range urls {
		r, closer, err := bucket.Fetch(ctx, client, u, format)
		if err != nil {
			for _, c := range closers {
				c.Close()
			}
			return nil, nil, err
		}
		readers = append(readers, r)
		closers = append(closers, closer)
	}
	return readers, closers, nil
}

// runMap applies task's registered mapper to every pair in its input
// buckets, per the task rule "task i reads all buckets at column i of
// the input dataset" for a Map operation (input column i has exactly
// one source row for FileData/LocalData inputs).
func (w *Worker) runMap(ctx context.Context, task rpc.TaskDescriptor, out mrs.PairWriter) error {
	mapper, err := mrs.LookupMapper(task.MapperName)
	if err != nil {
		return err
	}
	format := bucket.Format(task.Format)
	if format == "" {
		format = bucket.FormatHex
	}
	client := &http.Client{}
	for _, in := range task.Inputs {
		for _, u := range in.URLs {
			if err := w.mapOneURL(ctx, client, u, format, mapper, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Worker) mapOneURL(ctx context.Context, client *http.Client, url string, format bucket.Format, mapper mrs.Mapper, out mrs.PairWriter) error {
	r, closer, err := bucket.Fetch(ctx, client, url, format)
	if err != nil {
		return err
	}
	defer closer.Close()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := r.Read()
		if err == bucket.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := mapper(ctx, p.Key, p.Value, out); err != nil {
			return err
		}
	}
}

// runReduce shuffles every source's bucket at this task's column,
// groups by key, and invokes the registered reducer once per group,
// per the shuffle policy. For a reducemap task the reducer's output is
// additionally passed through the registered mapper before reaching
// out.
func (w *Worker) runReduce(ctx context.Context, task rpc.TaskDescriptor, out mrs.PairWriter) error {
	reducer, err := mrs.LookupReducer(task.ReducerName)
	if err != nil {
		return err
	}
	var urls []string
	for _, in := range task.Inputs {
		urls = append(urls, in.URLs...)
	}
	format := bucket.Format(task.Format)
	if format == "" {
		format = bucket.FormatHex
	}
	client := &http.Client{}
	readers, closers, err := fetchAll(ctx, client, urls, format)
	if err != nil {
		return err
	}
	merge, err := bucket.NewMerge(readers, closers)
	if err != nil {
		return err
	}

	writer := out
	if task.Op == "reducemap" {
		mapper, err := mrs.LookupMapper(task.MapperName)
		if err != nil {
			return err
		}
		writer = &mapAfterReduce{mapper: mapper, final: out}
	}

	grouper := bucket.NewGrouper(merge)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, values, ok, err := grouper.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := reducer(ctx, key, values, writer); err != nil {
			return err
		}
	}
}
