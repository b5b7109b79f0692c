// Package main provides the entry point for sessionhostctl.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/sessionhost/cmd/sessionhostctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
