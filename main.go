// Package main is the entry point for the vigil analyzer service.
package main

import (
	"fmt"
	"os"

	"vigil/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
