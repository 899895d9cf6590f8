// Package mrscmd builds the runtime binary's cobra command tree: start
// master, start worker, run serial, run mockparallel (spec.md §6's CLI
// surface), grounded on firestige-Otus/cmd/root.go's persistent-flags-
// plus-subcommand-files convention. It is importable rather than
// package main so that a job binary can register
// its run function and mapper/reducer/partitioner before calling
// Execute, the same way firestige-Otus's root main.go blank-imports
// plugins before cmd.Execute().
package mrscmd

import (
	"context"
	"flag"

	"github.com/grailbio/base/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kseppi/mrs-mapreduce/bucket"
	"github.com/kseppi/mrs-mapreduce/exec"
)

// JobArgs carries the positional input files and output options a
// run function needs; RunFunc receives it instead of reading flags
// directly so a job binary stays independent of cobra.
type JobArgs struct {
	Inputs      []string
	Output      string
	ReduceTasks int
	Format      bucket.Format
}

// RunFunc is the user driver: it submits datasets through sess and
// waits on them, per spec.md §3's "opaque callback that submits
// datasets and waits on them".
type RunFunc func(ctx context.Context, sess *exec.Session, args JobArgs) error

var jobRun RunFunc

// SetRunFunc registers the job a "master"/"run serial"/"run
// mockparallel" invocation will execute. A job binary calls this in
// its own main before Execute.
func SetRunFunc(fn RunFunc) { jobRun = fn }

var cfgFile string

// RootCmd is the base command. Execute runs it against os.Args.
var RootCmd = &cobra.Command{
	Use:   "mrs",
	Short: "mrs is a distributed MapReduce runtime",
}

// Execute runs the command tree; a job binary's main calls this after
// SetRunFunc and any mrs.Register* calls.
func Execute() error {
	return RootCmd.Execute()
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional YAML config file")
	RootCmd.PersistentFlags().String("master-addr", "", "master RPC address, host:port (worker only)")
	RootCmd.PersistentFlags().String("listen-addr", "", "address this process's RPC server binds")
	RootCmd.PersistentFlags().String("advertise-host", "", "host other processes dial to reach this one")
	RootCmd.PersistentFlags().String("data-dir", "", "job/worker data directory")
	RootCmd.PersistentFlags().Int("reduce-tasks", 0, "default reduce task count")
	RootCmd.PersistentFlags().Bool("keep-jobdir", false, "never delete non-permanent dataset directories")
	RootCmd.PersistentFlags().Bool("profile", false, "profile flag (read into the config; no profiler is started)")

	log.AddFlags()
	RootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
}

func bindCommon(cmd *cobra.Command) func(v *viper.Viper) error {
	return func(v *viper.Viper) error {
		return v.BindPFlags(cmd.Flags())
	}
}

func loadConfigFor(cmd *cobra.Command) (Config, error) {
	return loadConfig(cfgFile, bindCommon(cmd))
}
