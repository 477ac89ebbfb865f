// Package main is the entry point for the waworker CLI.
package main

import (
	"os"

	"github.com/massender/waworker/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
