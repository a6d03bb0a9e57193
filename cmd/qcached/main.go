// Command qcached runs a standalone qcache instance and exposes it as
// a benchmarkable in-process cache.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// BuildVersion is set by the release build via -ldflags.
var BuildVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "qcached",
	Short:   "qcached runs a sharded DNS packet cache",
	Version: BuildVersion,
}

func main() {
	rootCmd.AddCommand(serveCmd, benchCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
