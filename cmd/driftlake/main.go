package main

import (
	"os"

	"github.com/TFMV/driftlake/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
