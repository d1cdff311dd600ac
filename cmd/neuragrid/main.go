package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/neuragrid/neuragrid/internal/logging"
)

var version = "dev"

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		// No subcommand: run the coordinator (default).
		if err := runCoordinator(os.Args[1:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "coordinator":
		if err := runCoordinator(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "client":
		if err := runClient(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		// If the first arg starts with '-', treat as coordinator flags.
		if len(os.Args[1]) > 0 && os.Args[1][0] == '-' {
			if err := runCoordinator(os.Args[1:]); err != nil {
				slog.Error("fatal", "error", err)
				os.Exit(1)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "usage: neuragrid [coordinator|client|version] [flags]\n")
		os.Exit(1)
	}
}
