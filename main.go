// Package main is the entry point for the Bastion detection and response
// engine.
package main

import (
	"fmt"
	"os"

	"bastion/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
