package main

import (
	"os"

	"github.com/ledgerline-systems/ledgerline/cmd/ledgerline/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
