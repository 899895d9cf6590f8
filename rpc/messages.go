// Package rpc implements the master↔worker wire protocol: JSON-RPC
// over HTTP. The envelope is modeled directly on firestige-Otus's
// internal/command JSON-RPC client/server, with the transport swapped
// from a Unix domain socket to net/http so that master, worker, and the
// bucket HTTP server (package bucket) can share one listen port scheme.
package rpc

import "encoding/json"

// Request is one JSON-RPC call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id"`
}

// Response is the reply to a Request. Exactly one of Result/Error is
// set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      string          `json:"id"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Method names, per the wire protocol table in this system's
// specification.
const (
	MethodSignin   = "signin"
	MethodPing     = "ping"
	MethodAssign   = "assign"
	MethodTaskDone = "task_done"
	MethodTaskFail = "task_fail"
	MethodCancel   = "cancel"
)

// SigninArgs is sent worker -> master.
type SigninArgs struct {
	Cookie string `json:"cookie"`
	Port   int    `json:"port"`
	Host   string `json:"host"`
}

// SigninReply is the master's response to a signin.
type SigninReply struct {
	OK       bool   `json:"ok"`
	WorkerID string `json:"worker_id"`
}

// PingArgs is sent by either side; Cookie must match the value
// established at signin or the ping is treated as a protocol violation
// (and thus as a lost worker).
type PingArgs struct {
	Cookie string `json:"cookie"`
}

// PingReply acknowledges a ping.
type PingReply struct {
	OK bool `json:"ok"`
}

// InputSource names the bucket URLs a task should read for one source
// row of its input dataset.
type InputSource struct {
	Source int      `json:"source"`
	URLs   []string `json:"urls"`
}

// TaskDescriptor is the full, wire-serializable description of a task,
// pushed master -> worker on assignment. It intentionally does not
// reference any in-memory scheduler type (Task/TaskList, defined in
// package exec): the wire protocol only ever carries flat, named data,
// matching the "never serialize closures" design note — mapper,
// reducer, and partitioner are carried by registered name.
type TaskDescriptor struct {
	DatasetID       string        `json:"dataset_id"`
	TaskIndex       int           `json:"task_index"`
	Inputs          []InputSource `json:"inputs"`
	NumOutputs      int           `json:"num_outputs"`
	Op              string        `json:"op"` // "map", "reduce", "reducemap"
	MapperName      string        `json:"mapper_name,omitempty"`
	ReducerName     string        `json:"reducer_name,omitempty"`
	PartitionerName string        `json:"partitioner_name,omitempty"`
	OutputDir       string        `json:"output_dir"`
	Format          string        `json:"format"`
}

// AssignArgs is sent master -> worker to dispatch a task.
type AssignArgs struct {
	Task TaskDescriptor `json:"task"`
}

// AssignReply acknowledges acceptance of an assignment. A worker that
// is already running a task (a stale re-delivery) refuses the new one
// with OK=false and an error; the master tracks at most one
// outstanding assignment per worker.
type AssignReply struct {
	OK bool `json:"ok"`
}

// BucketURL names one output bucket produced by a completed task.
type BucketURL struct {
	Split int    `json:"split"`
	URL   string `json:"url"`
}

// TaskDoneArgs is sent worker -> master on successful task completion.
type TaskDoneArgs struct {
	DatasetID string      `json:"dataset_id"`
	TaskIndex int         `json:"task_index"`
	Outputs   []BucketURL `json:"outputs"`
}

// TaskDoneReply acknowledges a completion report.
type TaskDoneReply struct {
	OK bool `json:"ok"`
}

// TaskFailArgs is sent worker -> master when a mapper, reducer, or
// partitioner raised during task execution (a UserFunctionFailed
// error). It is distinct from a lost worker: the worker is still
// alive and reachable, so the master can retry the task immediately
// on another idle worker rather than waiting out the ping-timeout
// window used to detect a crashed one.
type TaskFailArgs struct {
	DatasetID string `json:"dataset_id"`
	TaskIndex int    `json:"task_index"`
	Reason    string `json:"reason"`
}

// TaskFailReply acknowledges a failure report.
type TaskFailReply struct {
	OK bool `json:"ok"`
}

// CancelArgs is sent master -> worker to withdraw a task, e.g. because
// its dataset was closed early. A worker that has already completed
// the task ignores the cancellation; the master has already discarded
// the task's eventual completion by the time it sends Cancel.
type CancelArgs struct {
	DatasetID string `json:"dataset_id"`
	TaskIndex int    `json:"task_index"`
}

// CancelReply acknowledges a cancellation.
type CancelReply struct {
	OK bool `json:"ok"`
}
