// Package main provides the ResetPrep CLI entry point.
// ResetPrep orchestrates workstation migration readiness before a reset.
package main

import (
	"fmt"
	"os"

	"github.com/resetprep/resetprep/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
