// Package main provides the entry point for the shelfline CLI.
package main

import (
	"os"

	"github.com/shelfline/shelfline/cmd/shelfline/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
