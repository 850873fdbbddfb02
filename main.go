package main

import (
	"os"

	"github.com/voltgrid/csms/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
