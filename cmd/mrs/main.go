// Command mrs is the generic runtime binary: "mrs master"/"mrs worker"
// start the daemon halves of the master↔worker protocol, and
// "mrs run serial"/"mrs run mockparallel" drive a job in-process for
// debugging. This binary has no job registered, so master/run exit
// with an error unless a job binary's own main has linked the same
// mrscmd package and called
// SetRunFunc before Execute — "mrs worker" alone needs no job and
// works as shipped.
package main

import (
	"fmt"
	"os"

	"github.com/kseppi/mrs-mapreduce/cmd/mrs/mrscmd"
)

func main() {
	if err := mrscmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
