package mrscmd

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/kseppi/mrs-mapreduce/bucket"
	"github.com/kseppi/mrs-mapreduce/exec"
	"github.com/kseppi/mrs-mapreduce/master"
	"github.com/kseppi/mrs-mapreduce/rpc"
)

var masterCmd = &cobra.Command{
	Use:   "master",
	Short: "start master: run the job's driver thread alongside the master RPC service",
	Long: `"start master" embeds the user's registered run function in the same
process as the master RPC service and task scheduler, per spec.md §4.5's
driver/data-manager split: the run function and the scheduler's dispatch
loop run as two threads of one process, exchanging messages over an
in-memory pipe rather than RPC.`,
	RunE: runMaster,
}

func init() {
	masterCmd.Flags().StringArray("input", nil, "input file URL (repeatable)")
	masterCmd.Flags().String("output", "", "final reduce stage output directory")
	RootCmd.AddCommand(masterCmd)
}

func runMaster(cmd *cobra.Command, _ []string) error {
	if jobRun == nil {
		return fmt.Errorf("mrs: no run function registered (link a job binary that calls mrscmd.SetRunFunc)")
	}
	cfg, err := loadConfigFor(cmd)
	if err != nil {
		return fmt.Errorf("mrs: loading config: %w", err)
	}
	inputs, _ := cmd.Flags().GetStringArray("input")
	output, _ := cmd.Flags().GetString("output")

	hlog := hclog.New(&hclog.LoggerOptions{Name: "mrs-master"})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("mrs: master listen: %w", err)
	}
	hlog.Info("listening", "addr", ln.Addr().String())

	pool := master.New(master.Options{
		PingInterval: cfg.PingInterval,
		MaxMisses:    cfg.MaxMisses,
		Logger:       hlog.Named("pool"),
	})
	sched := exec.New(pool, exec.Options{
		TaskRetryLimit: 3,
		KeepJobdir:     cfg.KeepJobdir,
	})

	httpSrv := &http.Server{Handler: rpc.NewMasterServer(pool)}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			hlog.Error("rpc server exited", "err", err)
		}
	}()
	defer httpSrv.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go sched.Run(ctx)

	return runJobWithExecutor(ctx, exec.NewDistributedExecutor(sched), cfg, inputs, output)
}

// runJobWithExecutor wires ex (a distributed scheduler or the
// in-process serial executor) into a fresh Session and invokes the
// registered job function against it.
func runJobWithExecutor(ctx context.Context, ex exec.Executor, cfg Config, inputs []string, output string) error {
	sess, err := exec.NewSession(ctx, ex, exec.SessionOptions{
		JobDir:        cfg.DataDir,
		AdvertiseHost: cfg.AdvertiseHost,
	})
	if err != nil {
		return fmt.Errorf("mrs: starting session: %w", err)
	}
	defer sess.Shutdown(context.Background())

	reduceTasks := cfg.ReduceTasks
	if reduceTasks <= 0 {
		reduceTasks = 1
	}
	args := JobArgs{
		Inputs:      inputs,
		Output:      output,
		ReduceTasks: reduceTasks,
		Format:      bucket.FormatHex,
	}
	return jobRun(ctx, sess, args)
}
