package bucket

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"golang.org/x/net/netutil"
)

// Server is the per-worker HTTP bucket server: it serves files under a
// base directory read-only, addressed by the path a URL converter
// produces. Concurrent fetch connections are bounded with
// netutil.LimitListener so that a shuffle storm from many downstream
// tasks cannot exhaust a worker's file descriptors.
type Server struct {
	baseDir    string
	maxConns   int
	httpServer *http.Server

	ln   net.Listener
	addr string

	fetches *limiter.Limiter
}

// NewServer returns a Server that will serve baseDir once Start is
// called. maxConns bounds concurrent accepted connections; 0 selects a
// reasonable default.
func NewServer(baseDir string, maxConns int) *Server {
	if maxConns <= 0 {
		maxConns = 256
	}
	s := &Server{baseDir: baseDir, maxConns: maxConns, fetches: limiter.New()}
	s.fetches.Release(maxConns)
	mux := http.NewServeMux()
	mux.HandleFunc("/bucket/", s.handleFetch)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds an ephemeral port and begins serving in the background.
// It returns the bound address (host:port); the caller combines this
// with a URLConverter to form globally reachable bucket URLs.
func (s *Server) Start(ctx context.Context) (addr string, err error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return "", fmt.Errorf("bucket: listen: %w", err)
	}
	s.ln = netutil.LimitListener(ln, s.maxConns)
	s.addr = ln.Addr().String()
	go func() {
		if err := s.httpServer.Serve(s.ln); err != nil && err != http.ErrServerClosed {
			log.Error.Printf("bucket server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()
	return s.addr, nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if err := s.fetches.Acquire(r.Context(), 1); err != nil {
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.fetches.Release(1)

	rel := strings.TrimPrefix(r.URL.Path, "/bucket/")
	clean := filepath.Clean("/" + rel)[1:]
	path := filepath.Join(s.baseDir, clean)
	if !strings.HasPrefix(path, filepath.Clean(s.baseDir)+string(filepath.Separator)) {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	if offset := r.URL.Query().Get("offset"); offset != "" {
		var off int64
		if _, err := fmt.Sscanf(offset, "%d", &off); err == nil && off > 0 {
			if _, err := f.Seek(off, os.SEEK_SET); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	buf := make([]byte, 64*1024)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if fl, ok := w.(http.Flusher); ok {
				fl.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

// URLConverter maps a (host, port, local path) triple to a globally
// reachable URL. A worker reports bucket URLs built through a
// URLConverter bound to its own advertised address.
type URLConverter struct {
	// Host is the address other workers/the driver should dial to reach
	// this worker, which may differ from the bind address (e.g. behind
	// NAT or in a container).
	Host string
	Port string
}

// URL returns the URL this converter assigns to localPath.
func (c URLConverter) URL(localPath string) string {
	return fmt.Sprintf("http://%s:%s/bucket/%s", c.Host, c.Port, strings.TrimPrefix(localPath, "/"))
}

// SplitHostPort is a small helper for turning a listener address into
// the (host, port) pair a URLConverter needs, substituting advertiseHost
// for the listener's own (often 0.0.0.0 or [::]) host.
func SplitHostPort(addr, advertiseHost string) (URLConverter, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return URLConverter{}, err
	}
	return URLConverter{Host: advertiseHost, Port: port}, nil
}
