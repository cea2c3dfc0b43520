package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"futures-supervisor/backtest"
	"futures-supervisor/config"
	"futures-supervisor/events"
	"futures-supervisor/exchange"
	"futures-supervisor/logger"
	"futures-supervisor/service"
	"futures-supervisor/store"
	"futures-supervisor/trader"
)

func main() {
	cfg := config.Load()

	// Mirror log output so external observers can tail the process.
	broadcaster := logger.NewBroadcaster(1000)
	log.SetOutput(io.MultiWriter(os.Stdout, broadcaster))

	log.Printf("[main] futures-supervisor starting")
	log.Printf("[main]   testnet: %v", cfg.BinanceTestnet)
	log.Printf("[main]   data dir: %s", cfg.DataDir)
	log.Printf("[main]   snapshot every %v, retained %v", cfg.SnapshotInterval, cfg.SnapshotRetention)

	if cfg.BinanceAPIKey == "" || cfg.BinanceSecretKey == "" {
		log.Fatal("[main] BINANCE_API_KEY and BINANCE_SECRET_KEY are required")
	}

	if err := store.Init(cfg.DataDir); err != nil {
		log.Fatalf("[main] Failed to initialize store: %v", err)
	}
	defer store.Close()

	// Runs left open by a crash cannot be resumed; close them so the
	// single-open-run invariant holds before any strategy starts.
	if n, err := store.NewRunStore().CloseOrphans(); err != nil {
		log.Fatalf("[main] Failed to close orphaned runs: %v", err)
	} else if n > 0 {
		log.Printf("[main] Closed %d orphaned run(s) from a previous process", n)
	}

	hub := events.NewHub()
	go hub.Run()
	defer hub.Close()

	client := exchange.NewClient(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.BinanceTestnet)
	supervisor := trader.NewSupervisor(client, hub, cfg)
	backtests := backtest.NewManager(client, hub)
	svc := service.New(client, supervisor, backtests, hub, broadcaster)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if bal, err := svc.AccountBalance(ctx); err != nil {
		log.Printf("[main] Balance check failed: %v", err)
	} else {
		log.Printf("[main] Account balance: %.2f total, %.2f free", bal.Total, bal.Free)
	}

	go supervisor.RunSnapshotDaemon(ctx)

	log.Printf("[main] Ready; attach a transport to the service facade to issue commands")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[main] Received %v, shutting down", sig)

	cancel()
	supervisor.StopAll(context.Background(), false)
	backtests.Wait()
	log.Printf("[main] Shutdown complete")
}
