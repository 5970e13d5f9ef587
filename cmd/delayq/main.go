package main

import (
	"context"
	"os"

	"github.com/delayq/delayq/cmd/delayq/dqcli"
)

func main() {
	// Cobra already prints the error.
	if err := dqcli.NewCLI(os.Stdout).Execute(context.Background(), os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
