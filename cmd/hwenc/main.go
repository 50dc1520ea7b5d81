// Package main is the entry point for the hwenc application.
package main

import (
	"os"

	"github.com/streamforge/hwenc/cmd/hwenc/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
