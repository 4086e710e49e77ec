package main

import (
	"os"

	"digitalvault/cmd/vault/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
