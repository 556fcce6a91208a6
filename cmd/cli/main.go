// Package main is the entry point for taskctl.
// taskctl is the terminal client for the taskqueue controller API.
package main

import (
	"os"

	"taskqueue/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
