package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fleetsim-labs/fleetsim/internal/config"
	"github.com/fleetsim-labs/fleetsim/internal/logger"
	"github.com/fleetsim-labs/fleetsim/internal/menderclient"
	"github.com/fleetsim-labs/fleetsim/internal/profile"
	"github.com/fleetsim-labs/fleetsim/internal/server"
	"github.com/fleetsim-labs/fleetsim/internal/service"
	"github.com/fleetsim-labs/fleetsim/internal/sim"
	"github.com/fleetsim-labs/fleetsim/internal/storage/bolt"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	zlog, err := logger.New(cfg.Simulator.LogLevel, cfg.Simulator.Development)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	backend, err := menderclient.New(cfg.Server.URL, cfg.Server.TenantToken, cfg.Server.RequestTimeout)
	if err != nil {
		zlog.Fatal("init backend client", zap.Error(err))
	}

	store, err := bolt.New(cfg.Simulator.DatabasePath)
	if err != nil {
		zlog.Fatal("open store", zap.Error(err))
	}
	defer store.Close()

	registry, err := profile.NewRegistry(cfg)
	if err != nil {
		zlog.Fatal("build industry registry", zap.Error(err))
	}

	orchestrator := sim.NewOrchestrator(cfg, registry, store, backend, zlog)

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	if err := orchestrator.Start(ctx); err != nil {
		zlog.Fatal("start fleet", zap.Error(err))
	}

	authSvc := service.NewAuthService(cfg)
	fleetSvc := service.NewFleetService(store)
	historySvc := service.NewHistoryService(store)
	srv := server.New(cfg, orchestrator, fleetSvc, historySvc, authSvc)

	go func() {
		zlog.Info("control API listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.Start(); err != nil {
			zlog.Fatal("control API stopped", zap.Error(err))
		}
	}()

	fatal := make(chan error, 1)
	go func() { fatal <- orchestrator.Wait() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	exitCode := 0
loop:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGUSR1 {
				orchestrator.PollNow()
				continue
			}
			zlog.Info("received signal, shutting down", zap.String("signal", sig.String()))
			break loop
		case err := <-fatal:
			if err != nil {
				zlog.Error("fleet terminated", zap.Error(err))
				exitCode = 1
			}
			break loop
		}
	}

	orchestrator.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.WriteTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Warn("control API shutdown", zap.Error(err))
	}

	if err := store.Close(); err != nil {
		zlog.Warn("close store", zap.Error(err))
	}
	if exitCode != 0 {
		_ = zlog.Sync()
		os.Exit(exitCode)
	}
}
