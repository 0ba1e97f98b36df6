// Package main is the entry point for the tunnelpanel binary.
//
// tunnelpanel is a terminal application that combines a dashboard (built
// with Bubble Tea) and a CLI (built with Cobra) for managing long-lived
// tunnel clients.
//
// When invoked without arguments, it launches the interactive dashboard.
// When invoked with subcommands (e.g. "client add", "status", "logs"), it
// runs the corresponding CLI operation and exits.
//
// Usage:
//
//	tunnelpanel                                  # launch the dashboard
//	tunnelpanel client add work --addr ... --key ...
//	tunnelpanel start --all                      # run clients in the foreground
//	tunnelpanel status --json                    # snapshot for scripting
//
// The CLI is constructed in internal/cli and the dashboard in internal/ui.
// This file simply wires them together and handles top-level error
// reporting.
package main

import (
	"fmt"
	"os"

	"github.com/mstiles/tunnelpanel/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
