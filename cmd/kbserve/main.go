// Package main provides the entry point for the kbserve CLI.
package main

import (
	"os"

	"github.com/kbserve/kbserve/cmd/kbserve/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
