// Package main provides the entry point for the kbsync CLI.
package main

import (
	"os"

	"github.com/kestrelworks/kbsync/cmd/kbsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
