package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/app"
	"github.com/moltbot/ledgerd/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	a, err := app.New(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := a.Reload(ctx); err != nil {
					logger.Error("reload failed", zap.Error(err))
				}
				continue
			}
			logger.Info("shutdown signal received", zap.String("signal", sig.String()))
			cancel()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			a.Shutdown(shutdownCtx)
			shutdownCancel()
			return

		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				logger.Error("daemon exited abnormally", zap.Error(err))
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
				a.Shutdown(shutdownCtx)
				shutdownCancel()
				os.Exit(1)
			}
			return
		}
	}
}
