package exec

import (
	"container/list"

	"github.com/hashicorp/go-set/v3"

	"github.com/kseppi/mrs-mapreduce/bucket"
)

// Operation is one of the three task kinds a ComputedData carries.
type Operation string

const (
	OpMap       Operation = "map"
	OpReduce    Operation = "reduce"
	OpReduceMap Operation = "reducemap"
)

// Dataset is the in-memory node of the dataset graph: a sources×splits
// grid of buckets plus, for a ComputedData, the operation that
// produces it. FileData and LocalData have Op == "" and are considered
// done (not Computing) from the moment they are submitted.
type Dataset struct {
	ID        string
	Sources   int
	Splits    int
	Closed    bool
	Permanent bool

	// Buckets is indexed [source][split], matching the glossary's
	// row/column convention: a task reads one column across all source
	// rows and writes one row across all output columns.
	Buckets [][]*bucket.Bucket

	// ComputedData fields; zero value for FileData/LocalData.
	InputID         string
	NTasks          int
	Op              Operation
	MapperName      string
	ReducerName     string
	PartitionerName string
	Format          bucket.Format
	OutDir          string
}

func newGrid(sources, splits int) [][]*bucket.Bucket {
	grid := make([][]*bucket.Bucket, sources)
	for i := range grid {
		grid[i] = make([]*bucket.Bucket, splits)
	}
	return grid
}

// TaskList is per-ComputedData scheduler state: the deque of task
// indices ready to dispatch, the set of indices not yet completed, and
// whether the list has been built (column split performed) yet.
type TaskList struct {
	ready     *list.List
	remaining *set.Set[int]
	made      bool
}

func newTaskList() *TaskList {
	return &TaskList{ready: list.New(), remaining: set.New[int](0)}
}

// pushFront requeues a task index immediately, per task_lost's
// reassignment rule.
func (tl *TaskList) pushFront(idx int) {
	tl.ready.PushFront(idx)
}

func (tl *TaskList) pushBack(idx int) {
	tl.ready.PushBack(idx)
}

// popFront removes and returns the next ready task index, if any.
func (tl *TaskList) popFront() (int, bool) {
	e := tl.ready.Front()
	if e == nil {
		return 0, false
	}
	tl.ready.Remove(e)
	return e.Value.(int), true
}
