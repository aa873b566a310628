// Command spearlet runs the node-local execution engine: it registers
// artifacts, keeps warm instance pools per task and serves executions over
// HTTP.
package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "spearlet:", err)
		os.Exit(1)
	}
}
