package main

import (
	"os"

	"github.com/quiltfs/quiltfs/cmd/quiltfs/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		commands.PrintErr("Error: %v", err)
		os.Exit(1)
	}
}
