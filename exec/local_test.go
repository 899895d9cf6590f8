package exec

import (
	"context"
	"os"
	"strconv"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/kseppi/mrs-mapreduce/bucket"
	"github.com/kseppi/mrs-mapreduce/mrs"
)

func init() {
	mrs.RegisterMapper("local-test-split", func(ctx context.Context, _, value []byte, out mrs.PairWriter) error {
		return out.Emit(ctx, value, []byte("1"))
	})
	mrs.RegisterReducer("local-test-sum", func(ctx context.Context, key []byte, values mrs.ValueIter, out mrs.PairWriter) error {
		total := 0
		for {
			v, ok := values.Next()
			if !ok {
				break
			}
			n, _ := strconv.Atoi(string(v))
			total += n
		}
		return out.Emit(ctx, key, []byte(strconv.Itoa(total)))
	})
	mrs.RegisterMapper("local-test-double", func(ctx context.Context, key, value []byte, out mrs.PairWriter) error {
		n, _ := strconv.Atoi(string(value))
		return out.Emit(ctx, key, []byte(strconv.Itoa(n*2)))
	})
}

func localDataset(t *testing.T, pairs [][]mrs.Pair) *Dataset {
	t.Helper()
	ds := &Dataset{
		ID:      "input",
		Sources: len(pairs),
		Splits:  1,
		Format:  bucket.FormatHex,
		Buckets: newGrid(len(pairs), 1),
	}
	for src, rows := range pairs {
		b := bucket.New(src, 0, bucket.FormatHex)
		for _, p := range rows {
			must.NoError(t, b.Append(p.Key, p.Value))
		}
		ds.Buckets[src][0] = b
	}
	return ds
}

func TestLocalExecutorMap(t *testing.T) {
	ex := NewLocalExecutor(t.TempDir(), false)
	input := localDataset(t, [][]mrs.Pair{
		{{Key: []byte("k1"), Value: []byte("apple")}},
		{{Key: []byte("k2"), Value: []byte("banana")}},
	})
	must.NoError(t, ex.Submit(input))

	mapped := &Dataset{
		ID:              "mapped",
		Sources:         input.Splits,
		Splits:          1,
		InputID:         input.ID,
		NTasks:          input.Splits,
		Op:              OpMap,
		MapperName:      "local-test-split",
		PartitionerName: "default",
		Format:          bucket.FormatHex,
		Buckets:         newGrid(input.Splits, 1),
	}
	must.NoError(t, ex.Submit(mapped))

	var words []string
	for _, row := range mapped.Buckets {
		for _, b := range row {
			if b == nil {
				continue
			}
			for _, p := range b.Pairs() {
				words = append(words, string(p.Key))
			}
		}
	}
	must.SliceContainsAll(t, words, []string{"apple", "banana"})
}

func TestLocalExecutorReduce(t *testing.T) {
	ex := NewLocalExecutor(t.TempDir(), false)
	input := localDataset(t, [][]mrs.Pair{
		{{Key: []byte("cat"), Value: []byte("1")}, {Key: []byte("dog"), Value: []byte("1")}},
		{{Key: []byte("cat"), Value: []byte("1")}},
	})
	must.NoError(t, ex.Submit(input))

	reduced := &Dataset{
		ID:              "reduced",
		Sources:         input.Splits,
		Splits:          1,
		InputID:         input.ID,
		NTasks:          input.Splits,
		Op:              OpReduce,
		ReducerName:     "local-test-sum",
		PartitionerName: "default",
		Format:          bucket.FormatHex,
		Buckets:         newGrid(input.Splits, 1),
	}
	must.NoError(t, ex.Submit(reduced))

	got := map[string]string{}
	for _, row := range reduced.Buckets {
		for _, b := range row {
			if b == nil {
				continue
			}
			for _, p := range b.Pairs() {
				got[string(p.Key)] = string(p.Value)
			}
		}
	}
	must.Eq(t, "2", got["cat"])
	must.Eq(t, "1", got["dog"])
}

func TestLocalExecutorReduceMap(t *testing.T) {
	ex := NewLocalExecutor(t.TempDir(), false)
	input := localDataset(t, [][]mrs.Pair{
		{{Key: []byte("cat"), Value: []byte("1")}, {Key: []byte("cat"), Value: []byte("1")}},
	})
	must.NoError(t, ex.Submit(input))

	fused := &Dataset{
		ID:              "fused",
		Sources:         input.Splits,
		Splits:          1,
		InputID:         input.ID,
		NTasks:          input.Splits,
		Op:              OpReduceMap,
		ReducerName:     "local-test-sum",
		MapperName:      "local-test-double",
		PartitionerName: "default",
		Format:          bucket.FormatHex,
		Buckets:         newGrid(input.Splits, 1),
	}
	must.NoError(t, ex.Submit(fused))

	got := map[string]string{}
	for _, row := range fused.Buckets {
		for _, b := range row {
			if b == nil {
				continue
			}
			for _, p := range b.Pairs() {
				got[string(p.Key)] = string(p.Value)
			}
		}
	}
	must.Eq(t, "4", got["cat"])
}

func TestLocalExecutorCloseRemovesNonPermanent(t *testing.T) {
	dir := t.TempDir()
	ex := NewLocalExecutor(dir, false)
	input := localDataset(t, [][]mrs.Pair{{{Key: []byte("a"), Value: []byte("1")}}})
	must.NoError(t, ex.Submit(input))

	ds := &Dataset{
		ID:              "out",
		Sources:         input.Splits,
		Splits:          1,
		InputID:         input.ID,
		NTasks:          input.Splits,
		Op:              OpMap,
		MapperName:      "local-test-split",
		PartitionerName: "default",
		Format:          bucket.FormatHex,
		OutDir:          dir + "/dataset_out",
		Buckets:         newGrid(input.Splits, 1),
	}
	must.NoError(t, ex.Submit(ds))
	ex.Close(ds.ID)
	must.True(t, ds.Closed)
	_, err := os.Stat(ds.OutDir)
	must.True(t, os.IsNotExist(err))
}
