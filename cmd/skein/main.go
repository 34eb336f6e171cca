package main

import (
	"os"

	"github.com/skeinhq/skein/cmd/skein/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
