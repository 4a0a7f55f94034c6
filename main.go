package main

import (
	"os"

	"github.com/gluk-w/vmfleet/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
