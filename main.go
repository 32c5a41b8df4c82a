package main

import (
	"os"

	"github.com/obfcore/obf/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
