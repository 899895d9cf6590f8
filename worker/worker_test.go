package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/kseppi/mrs-mapreduce/mrs"
	"github.com/kseppi/mrs-mapreduce/rpc"
)

func init() {
	mrs.RegisterMapper("worker-test-map", func(ctx context.Context, key, value []byte, out mrs.PairWriter) error {
		return out.Emit(ctx, value, []byte("1"))
	})
	mrs.RegisterReducer("worker-test-sum", func(ctx context.Context, key []byte, values mrs.ValueIter, out mrs.PairWriter) error {
		n := 0
		for {
			_, ok := values.Next()
			if !ok {
				break
			}
			n++
		}
		return out.Emit(ctx, key, []byte{byte(n)})
	})
}

// stubMaster records signin/task_done/task_fail calls, enough to drive
// a Worker through one full task execution without a real master.Pool.
type stubMaster struct {
	mu       sync.Mutex
	done     []rpc.TaskDoneArgs
	failed   []rpc.TaskFailArgs
	signedIn chan rpc.SigninArgs
}

func newStubMaster() *stubMaster {
	return &stubMaster{signedIn: make(chan rpc.SigninArgs, 1)}
}

func (m *stubMaster) Signin(ctx context.Context, args rpc.SigninArgs) (rpc.SigninReply, error) {
	m.signedIn <- args
	return rpc.SigninReply{OK: true, WorkerID: "w1"}, nil
}

func (m *stubMaster) Ping(ctx context.Context, args rpc.PingArgs) (rpc.PingReply, error) {
	return rpc.PingReply{OK: true}, nil
}

func (m *stubMaster) TaskDone(ctx context.Context, args rpc.TaskDoneArgs) (rpc.TaskDoneReply, error) {
	m.mu.Lock()
	m.done = append(m.done, args)
	m.mu.Unlock()
	return rpc.TaskDoneReply{OK: true}, nil
}

func (m *stubMaster) TaskFail(ctx context.Context, args rpc.TaskFailArgs) (rpc.TaskFailReply, error) {
	m.mu.Lock()
	m.failed = append(m.failed, args)
	m.mu.Unlock()
	return rpc.TaskFailReply{OK: true}, nil
}

func startStubMaster(t *testing.T) (addr string, m *stubMaster) {
	t.Helper()
	m = newStubMaster()
	srv := httptest.NewServer(rpc.NewMasterServer(m))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	must.NoError(t, err)
	return u.Host, m
}

func TestWorkerMapTaskReportsDone(t *testing.T) {
	masterAddr, m := startStubMaster(t)
	dir := t.TempDir()

	w, err := New(Options{MasterAddr: masterAddr, AdvertiseHost: "127.0.0.1", DataDir: dir})
	must.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)

	select {
	case <-m.signedIn:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never signed in")
	}

	inputDir := t.TempDir()
	inputPath := inputDir + "/in.hex"
	must.NoError(t, os.WriteFile(inputPath, []byte(
		"00 68656c6c6f\n"+ // key=0x00 value="hello"
			"01 776f726c64\n", // key=0x01 value="world"
	), 0o644))

	reply, err := w.Assign(context.Background(), rpc.AssignArgs{Task: rpc.TaskDescriptor{
		DatasetID:  "d1",
		TaskIndex:  0,
		NumOutputs: 1,
		Op:         "map",
		MapperName: "worker-test-map",
		Format:     "hex",
		Inputs: []rpc.InputSource{{
			Source: 0,
			URLs:   []string{fileServerURL(t, inputDir, "in.hex")},
		}},
	}})
	must.NoError(t, err)
	must.True(t, reply.OK)

	must.Wait(t, wait.InitialSuccess(
		wait.Timeout(2*time.Second),
		wait.Gap(20*time.Millisecond),
		wait.BoolFunc(func() bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			return len(m.done) == 1
		}),
	))
	must.Eq(t, "d1", m.done[0].DatasetID)
	must.Len(t, 1, m.done[0].Outputs)
}

// fileServerURL serves dir over HTTP and returns the URL to name within
// it; good enough to exercise bucket.Fetch's happy path, which never
// requests the bucket server's ?offset= retry parameter on a clean
// read.
func fileServerURL(t *testing.T, dir, name string) string {
	t.Helper()
	srv := httptest.NewServer(http.FileServer(http.Dir(dir)))
	t.Cleanup(srv.Close)
	return srv.URL + "/" + name
}
