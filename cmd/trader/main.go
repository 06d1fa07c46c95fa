package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"solana-fastpath/internal/config"
	"solana-fastpath/internal/logger"
	"solana-fastpath/internal/observability"
	"solana-fastpath/internal/statusapi"
	"solana-fastpath/internal/trader"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	metricsAddr := flag.String("metrics-addr", "", "Status and metrics HTTP address (overrides server.addr, \"off\" to disable)")
	flag.Parse()

	log := logger.Component("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load config")
	}
	if *metricsAddr != "" {
		cfg.Server.Addr = *metricsAddr
	}
	if err := logger.Configure(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		MaxAge: cfg.Logging.MaxAge,
	}); err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics("trader")
	t, err := trader.Build(ctx, *cfg, metrics)
	if err != nil {
		log.WithError(err).Fatal("Failed to build trader")
	}

	var server *statusapi.Server
	if cfg.Server.Addr != "" && cfg.Server.Addr != "off" {
		server = statusapi.New(cfg.Server.Addr, t, metrics, nil)
		go func() {
			if err := server.ListenAndServe(); err != nil {
				log.WithError(err).Error("Status server stopped")
			}
		}()
	}

	// Handle shutdown signals with graceful timeout
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Info("Received signal, initiating graceful shutdown")
			cancel()
		case <-done:
			return
		}

		// Wait for second signal for immediate shutdown
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig.String()).Warn("Received second signal, forcing immediate shutdown")
			os.Exit(1)
		case <-time.After(shutdownTimeout):
			log.Error("Graceful shutdown timed out, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	runErr := t.Run(ctx)

	if server != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(sctx); err != nil {
			log.WithError(err).Warn("Status server shutdown failed")
		}
		scancel()
	}
	t.Close()
	close(done)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.WithError(runErr).Fatal("Trader stopped with error")
	}
	log.WithFields(logrus.Fields{"positions_open": len(t.Positions())}).Info("Shutdown complete")
}
