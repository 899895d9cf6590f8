package exec

import "github.com/kseppi/mrs-mapreduce/bucket"

// MessageType discriminates the pipe between the driver's run thread
// and the scheduler, per the driver-side data manager's message set.
type MessageType int

const (
	// Driver -> scheduler.
	MsgDatasetSubmission MessageType = iota
	MsgCloseDataset
	MsgJobDone

	// Scheduler -> driver.
	MsgBucketReady
	MsgDatasetComputed
	MsgQuitAck
)

// Message is the single envelope type carried on both directions of
// the pipe; only the fields relevant to Type are populated, mirroring
// original_source/mrs/runner.py's tagged job_conn messages translated
// to a Go struct instead of a tuple.
type Message struct {
	Type MessageType

	// MsgDatasetSubmission
	Dataset *Dataset
	// MsgCloseDataset, MsgBucketReady, MsgDatasetComputed
	DatasetID string
	// MsgBucketReady
	Bucket *bucket.Bucket
	// MsgJobDone
	Success bool
}
