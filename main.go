// Package main is the entry point for the carlink head-unit middleware.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/carlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
