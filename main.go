package main

import (
	"os"

	"github.com/mausys/gclient/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
