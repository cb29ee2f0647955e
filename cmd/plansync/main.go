package main

import (
	"os"
)

const version = "1.2.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
