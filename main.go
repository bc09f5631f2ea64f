package main

import (
	"os"

	"github.com/felo/mailcore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
