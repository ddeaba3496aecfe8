package main

import (
	"os"

	"closurizer/internal/cli"
	"closurizer/ui/console"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		console.PrintError(os.Stderr, err)
		os.Exit(1)
	}
}
