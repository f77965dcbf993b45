package main

import (
	"os"

	"github.com/withObsrvr/utxo-ingest/internal/cli/cmd"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	gitCommit = ""
	buildDate = ""
)

func main() {
	cmd.SetVersionInfo(version, gitCommit, buildDate)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
