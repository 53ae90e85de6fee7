package main

import (
	"fmt"
	"os"

	"github.com/soulteary/cdn-proxy/cli"
	"github.com/soulteary/cdn-proxy/internal/config"
)

func main() {
	snap, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cli.Daemon(snap)
}
