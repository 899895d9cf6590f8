package mrscmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/kseppi/mrs-mapreduce/exec"
	"github.com/kseppi/mrs-mapreduce/master"
	"github.com/kseppi/mrs-mapreduce/rpc"
	"github.com/kseppi/mrs-mapreduce/worker"
)

// runCmd groups the two supplemented debugging execution modes (§12):
// "run serial" (no RPC, no bucket HTTP server at all) and
// "run mockparallel" (the real master/worker RPC protocol, but every
// worker is forked in-process on loopback instead of across a
// cluster), both grounded on original_source/serial.py and parallel.py.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a job without a separately deployed cluster",
}

var runSerialCmd = &cobra.Command{
	Use:   "serial",
	Short: "evaluate the job synchronously in this process against in-memory buckets",
	RunE:  runSerial,
}

var runMockCmd = &cobra.Command{
	Use:   "mockparallel",
	Short: "evaluate the job against real master/worker RPC, workers forked in-process on localhost",
	RunE:  runMockparallel,
}

func init() {
	for _, c := range []*cobra.Command{runSerialCmd, runMockCmd} {
		c.Flags().StringArray("input", nil, "input file URL (repeatable)")
		c.Flags().String("output", "", "final reduce stage output directory")
	}
	runCmd.AddCommand(runSerialCmd, runMockCmd)
	RootCmd.AddCommand(runCmd)
}

func runSerial(cmd *cobra.Command, _ []string) error {
	if jobRun == nil {
		return fmt.Errorf("mrs: no run function registered (link a job binary that calls mrscmd.SetRunFunc)")
	}
	cfg, err := loadConfigFor(cmd)
	if err != nil {
		return fmt.Errorf("mrs: loading config: %w", err)
	}
	inputs, _ := cmd.Flags().GetStringArray("input")
	output, _ := cmd.Flags().GetString("output")

	ex := exec.NewLocalExecutor(cfg.DataDir, cfg.KeepJobdir)
	return runJobWithExecutor(cmd.Context(), ex, cfg, inputs, output)
}

// runMockparallel starts a master (RPC + scheduler, no job-level
// driver of its own) and cfg.Workers worker processes, all bound to
// loopback ports in this one OS process, then runs the job against
// that cluster exactly as "start master" would against a real one.
func runMockparallel(cmd *cobra.Command, _ []string) error {
	if jobRun == nil {
		return fmt.Errorf("mrs: no run function registered (link a job binary that calls mrscmd.SetRunFunc)")
	}
	cfg, err := loadConfigFor(cmd)
	if err != nil {
		return fmt.Errorf("mrs: loading config: %w", err)
	}
	inputs, _ := cmd.Flags().GetStringArray("input")
	output, _ := cmd.Flags().GetString("output")
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}

	hlog := hclog.New(&hclog.LoggerOptions{Name: "mrs-mockparallel"})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("mrs: master listen: %w", err)
	}
	masterAddr := ln.Addr().String()

	pool := master.New(master.Options{
		PingInterval: cfg.PingInterval,
		MaxMisses:    cfg.MaxMisses,
		Logger:       hlog.Named("pool"),
	})
	sched := exec.New(pool, exec.Options{TaskRetryLimit: 3, KeepJobdir: cfg.KeepJobdir})

	httpSrv := &http.Server{Handler: rpc.NewMasterServer(pool)}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			hlog.Error("master rpc server exited", "err", err)
		}
	}()
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go sched.Run(ctx)

	for i := 0; i < cfg.Workers; i++ {
		dir := filepath.Join(cfg.DataDir, "worker_"+strconv.Itoa(i))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mrs: worker %d data dir: %w", i, err)
		}
		w, err := worker.New(worker.Options{
			MasterAddr:    masterAddr,
			AdvertiseHost: "127.0.0.1",
			DataDir:       dir,
			MaxFetchConns: cfg.MaxFetchConns,
		})
		if err != nil {
			return fmt.Errorf("mrs: worker %d: %w", i, err)
		}
		go func(i int, w *worker.Worker) {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				hlog.Error("worker exited", "worker", i, "err", err)
			}
		}(i, w)
	}

	return runJobWithExecutor(ctx, exec.NewDistributedExecutor(sched), cfg, inputs, output)
}
