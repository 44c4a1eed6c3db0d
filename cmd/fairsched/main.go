// fairsched boots a simulated multiprocessor whose CPUs share one CFS run
// queue and reports how the configured workloads divided CPU time.
package main

import (
	"fmt"
	"os"

	"github.com/orizon-lang/fairsched/internal/cli"
)

func main() {
	if err := cli.NewFairschedCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fairsched: %v\n", err)
		os.Exit(1)
	}
}
