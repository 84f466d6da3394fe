package main

import (
	"os"

	"github.com/opencellcw/ulf-warden-sub010/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
