// schedctl inspects and tunes a running fairsched machine over its
// schedstat HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/orizon-lang/fairsched/internal/cli"
)

func main() {
	if err := cli.NewSchedctlCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "schedctl: %v\n", err)
		os.Exit(1)
	}
}
