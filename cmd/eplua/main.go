// Package main is the entry point for eplua.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/eplua/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
