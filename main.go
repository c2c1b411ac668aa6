package main

import (
	"os"

	"github.com/gofer-dev/gofer/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
