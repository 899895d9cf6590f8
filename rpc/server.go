package rpc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/grailbio/base/log"
)

// MethodFunc handles one decoded JSON-RPC call and returns the value to
// encode as the result.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Server dispatches JSON-RPC/HTTP calls to a fixed table of methods. It
// implements http.Handler so it can be mounted at "/rpc" alongside the
// bucket server's "/bucket/" tree on the same listener.
type Server struct {
	methods map[string]MethodFunc
}

// NewServer returns a Server dispatching to the given method table.
func NewServer(methods map[string]MethodFunc) *Server {
	return &Server{methods: methods}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "", -32700, "parse error: "+err.Error())
		return
	}
	handler, ok := s.methods[req.Method]
	if !ok {
		writeError(w, req.ID, -32601, "method not found: "+req.Method)
		return
	}
	result, err := handler(r.Context(), req.Params)
	if err != nil {
		// A handler error is a protocol-level failure for this call, not
		// necessarily for the connection; the specification treats
		// unexpected messages as ProtocolViolation (logged, connection
		// dropped) but a well-formed call that the handler rejects (e.g.
		// cookie mismatch) is reported back to the caller instead so it
		// can decide how to react (a cookie mismatch is treated as LOST
		// by the caller, not by this server).
		log.Error.Printf("rpc: %s: %v", req.Method, err)
		writeError(w, req.ID, -32000, err.Error())
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		writeError(w, req.ID, -32000, "marshal result: "+err.Error())
		return
	}
	writeResult(w, req.ID, payload)
}

func writeResult(w http.ResponseWriter, id string, result json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: id, Result: result})
}

func writeError(w http.ResponseWriter, id string, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: msg}})
}

// MasterService is the set of RPCs a master process answers, called by
// workers.
type MasterService interface {
	Signin(ctx context.Context, args SigninArgs) (SigninReply, error)
	Ping(ctx context.Context, args PingArgs) (PingReply, error)
	TaskDone(ctx context.Context, args TaskDoneArgs) (TaskDoneReply, error)
	TaskFail(ctx context.Context, args TaskFailArgs) (TaskFailReply, error)
}

// NewMasterServer adapts a MasterService into a dispatch Server.
func NewMasterServer(svc MasterService) *Server {
	return NewServer(map[string]MethodFunc{
		MethodSignin: func(ctx context.Context, params json.RawMessage) (any, error) {
			var args SigninArgs
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, err
			}
			return svc.Signin(ctx, args)
		},
		MethodPing: func(ctx context.Context, params json.RawMessage) (any, error) {
			var args PingArgs
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, err
			}
			return svc.Ping(ctx, args)
		},
		MethodTaskDone: func(ctx context.Context, params json.RawMessage) (any, error) {
			var args TaskDoneArgs
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, err
			}
			return svc.TaskDone(ctx, args)
		},
		MethodTaskFail: func(ctx context.Context, params json.RawMessage) (any, error) {
			var args TaskFailArgs
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, err
			}
			return svc.TaskFail(ctx, args)
		},
	})
}

// WorkerService is the set of RPCs a worker process answers, called by
// the master.
type WorkerService interface {
	Ping(ctx context.Context, args PingArgs) (PingReply, error)
	Assign(ctx context.Context, args AssignArgs) (AssignReply, error)
	Cancel(ctx context.Context, args CancelArgs) (CancelReply, error)
}

// NewWorkerServer adapts a WorkerService into a dispatch Server.
func NewWorkerServer(svc WorkerService) *Server {
	return NewServer(map[string]MethodFunc{
		MethodPing: func(ctx context.Context, params json.RawMessage) (any, error) {
			var args PingArgs
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, err
			}
			return svc.Ping(ctx, args)
		},
		MethodAssign: func(ctx context.Context, params json.RawMessage) (any, error) {
			var args AssignArgs
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, err
			}
			return svc.Assign(ctx, args)
		},
		MethodCancel: func(ctx context.Context, params json.RawMessage) (any, error) {
			var args CancelArgs
			if err := json.Unmarshal(params, &args); err != nil {
				return nil, err
			}
			return svc.Cancel(ctx, args)
		},
	})
}
