package main

import (
	"os"

	"github.com/kenneth/cipherchat/cmd/cipherctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
