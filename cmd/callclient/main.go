package main

import (
	"os"
)

func main() {
	// Do not print usage when an error occurs
	RootCmd.SilenceUsage = true

	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
