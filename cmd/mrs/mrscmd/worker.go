package mrscmd

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/kseppi/mrs-mapreduce/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "start worker: sign in with a master and run assigned tasks until killed",
	RunE:  runWorker,
}

func init() {
	RootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfigFor(cmd)
	if err != nil {
		return fmt.Errorf("mrs: loading config: %w", err)
	}
	if cfg.MasterAddr == "" {
		return fmt.Errorf("mrs: --master-addr is required")
	}
	hlog := hclog.New(&hclog.LoggerOptions{Name: "mrs-worker"})

	w, err := worker.New(worker.Options{
		MasterAddr:    cfg.MasterAddr,
		AdvertiseHost: cfg.AdvertiseHost,
		DataDir:       cfg.DataDir,
		MaxFetchConns: cfg.MaxFetchConns,
	})
	if err != nil {
		return fmt.Errorf("mrs: starting worker: %w", err)
	}
	hlog.Info("signing in", "master", cfg.MasterAddr)
	return w.Run(cmd.Context())
}
