package main

import (
	"os"

	"github.com/wispberry-tech/wispy-session/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
