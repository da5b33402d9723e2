// Command sdp_transfer is the CLI entry point for the scan lifecycle
// engine (spec §6): sdp_transfer [-h] [--data_product_dashboard URL]
// [-v] LOCAL_PATH REMOTE_PATH SUBSYSTEM.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"pst-send/internal/app"
	"pst-send/internal/config"
)

// Exit codes per spec §6: 0 graceful shutdown, 1 invalid arguments, 2
// unrecoverable runtime error.
const (
	exitOK        = 0
	exitBadArgs   = 1
	exitRuntime   = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "sdp_transfer: %v\n", err)
		return exitBadArgs
	}

	a, err := app.New(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sdp_transfer: failed to initialize: %v\n", err)
		return exitRuntime
	}

	if err := a.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "sdp_transfer: %v\n", err)
		return exitRuntime
	}
	return exitOK
}
