// Package main provides the leapexplore command.
package main

import (
	"os"

	"github.com/leapstack-labs/leapexplore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
