package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wisbric/securescan/internal/app"
	"github.com/wisbric/securescan/internal/config"
)

func main() {
	mode := flag.String("mode", "", "run mode: worker, run, or status (overrides SECURESCAN_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	// CLI flag overrides env var.
	if *mode != "" {
		cfg.Mode = *mode
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(app.ExitCode(err))
	}
}
