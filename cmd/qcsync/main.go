// Package main is the entry point for the qcsync binary.
package main

import (
	"os"

	"github.com/rpattn/qcsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
