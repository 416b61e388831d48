// Package main is the entry point for the dispatchd task coordinator.
package main

import (
	"fmt"
	"os"

	"icc.tech/dispatchd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
