// Package main is the entry point for the chrome-server binary.
//
// Without arguments it opens the dashboard; subcommands launch browsers,
// run the tunnel proxy and inspect profiles, routing files and events.
// The binary also re-executes itself as "proxy serve" for every proxy
// subprocess it supervises.
package main

import (
	"fmt"
	"os"

	"github.com/treykane/chrome-server/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", cli.ErrorMessage(err))
		os.Exit(1)
	}
}
