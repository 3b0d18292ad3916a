package main

import (
	"os"

	"github.com/agentworkforce/linearsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
