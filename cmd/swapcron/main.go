package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Deepreo/swapcron"
	"github.com/Deepreo/swapcron/config"
	"github.com/Deepreo/swapcron/modules/servers"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to a yaml config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.App, os.Stdout)

	app, err := swapcron.New(ctx, cfg, swapcron.WithLogger(logger))
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("application stopped", "error", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), servers.DefaultShutdownTimeout)
	defer stop()
	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
}
