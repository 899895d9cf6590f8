package exec

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/kseppi/mrs-mapreduce/bucket"
	"github.com/kseppi/mrs-mapreduce/master"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	pool := master.New(master.Options{})
	return New(pool, Options{TaskRetryLimit: 3, DeleteTree: func(string) error { return nil }})
}

func TestSubmitUnknownInputRejected(t *testing.T) {
	s := newTestScheduler(t)
	err := s.Submit(&Dataset{ID: "d1", InputID: "missing", Op: OpMap, NTasks: 1, Splits: 1})
	must.Error(t, err)
}

func TestSubmitSplitsMismatchRejected(t *testing.T) {
	s := newTestScheduler(t)
	must.NoError(t, s.Submit(&Dataset{ID: "in", Sources: 1, Splits: 3, Format: bucket.FormatHex}))
	<-s.Out() // DatasetComputed for the file/local dataset

	err := s.Submit(&Dataset{
		ID: "red", InputID: "in", Op: OpReduce, NTasks: 2, Splits: 1,
	})
	must.Error(t, err)
}

func TestSubmitSplitsMatchAccepted(t *testing.T) {
	s := newTestScheduler(t)
	must.NoError(t, s.Submit(&Dataset{ID: "in", Sources: 1, Splits: 3, Format: bucket.FormatHex}))
	<-s.Out()

	err := s.Submit(&Dataset{
		ID: "red", InputID: "in", Op: OpReduce, NTasks: 3, Splits: 1,
		MapperName: "", ReducerName: "noop",
	})
	must.NoError(t, err)
}

func TestCloseRemovesFileDataOnceUnreferenced(t *testing.T) {
	s := newTestScheduler(t)
	must.NoError(t, s.Submit(&Dataset{ID: "in", Sources: 1, Splits: 1, Format: bucket.FormatHex}))
	<-s.Out()

	must.NotNil(t, s.Dataset("in"))
	s.Close("in")
	must.Nil(t, s.Dataset("in"))
}

func TestCloseIsIdempotentAndOrderIndependent(t *testing.T) {
	s := newTestScheduler(t)
	must.NoError(t, s.Submit(&Dataset{ID: "in", Sources: 1, Splits: 1, Format: bucket.FormatHex}))
	<-s.Out()

	s.Close("in")
	// Closing again (or closing an already-removed id) must not panic or
	// error; try_close_and_remove is a no-op once the dataset is gone.
	s.Close("in")
	must.Nil(t, s.Dataset("in"))
}
