package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sebas/siprec/internal/api"
	"github.com/sebas/siprec/internal/banner"
	"github.com/sebas/siprec/internal/config"
	"github.com/sebas/siprec/internal/events"
	"github.com/sebas/siprec/internal/logger"
	"github.com/sebas/siprec/internal/media"
	"github.com/sebas/siprec/internal/metrics"
	"github.com/sebas/siprec/internal/security"
	"github.com/sebas/siprec/internal/siprec"
)

func main() {
	logger.InitLogger(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.LogLevel)

	banner.Print("SipRec Recording Client", []banner.ConfigLine{
		{Label: "Recorders", Value: fmt.Sprintf("%d configured", len(cfg.Recorders))},
		{Label: "Recording", Value: fmt.Sprintf("%t", cfg.EnableSipRec)},
		{Label: "API", Value: cfg.APIAddr},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	publisher := events.NewLoggingPublisher(slog.Default())
	ports := media.NewPortManager(media.DefaultPortManagerConfig())
	certs := security.NewStore()

	manager := siprec.NewManager(cfg, publisher, ports, certs)
	manager.Start()

	if err := metrics.Register(manager); err != nil {
		slog.Warn("Failed to register metrics", "error", err)
	}

	apiServer := api.NewServer(cfg.APIAddr, manager)
	if err := apiServer.Start(); err != nil {
		slog.Error("Failed to start API server", "error", err)
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)

	manager.Shutdown()
	if err := apiServer.Stop(); err != nil {
		slog.Debug("API server stop", "error", err)
	}
	_ = publisher.Close()
}
