// Package main provides the entry point for the qaserve CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/qaserve/cmd/qaserve/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
