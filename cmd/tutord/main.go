// Package main provides the entry point for the tutord server.
package main

import (
	"fmt"
	"os"

	"github.com/creastat/tutoring/cmd/tutord/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
