package main

import (
	"os"

	"github.com/cobaltbit/cobalt/cmd/cobaltd/commands"
)

func main() {
	if err := commands.RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
