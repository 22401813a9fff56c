package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/district-reconcile/internal/cli"
)

// Injected at build time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse HEAD)"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
