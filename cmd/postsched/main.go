package main

import (
	"fmt"
	"os"
)

// Set by -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
