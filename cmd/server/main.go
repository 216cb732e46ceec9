package main

import (
	"fmt"
	"os"

	"github.com/PaulBabatuyi/attachvault/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd(config.Load).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
