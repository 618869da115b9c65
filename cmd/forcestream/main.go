package main

import (
	"os"

	"github.com/ahimsalabs/forcestream-go/internal/cli"
)

// Version is set with -ldflags "-X main.Version=...".
var Version string

func main() {
	cli.SetVersion(Version)
	os.Exit(cli.Run(os.Args[1:]))
}
