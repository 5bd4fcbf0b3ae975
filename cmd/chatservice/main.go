package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"thoth-rooms/internal/chatservice"
	"thoth-rooms/internal/config"
	"thoth-rooms/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := cfg.Logger().With("component", "grpc-server")
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("history service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	log.Info("starting history service", "addr", cfg.GRPCAddr, "backend", cfg.HistoryBackend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closer, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	grpcServer, healthServer := chatservice.NewGRPCServer(chatservice.NewService(store, log), log)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}
	log.Info("gRPC server is listening", "address", lis.Addr())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(lis)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("gRPC server: %w", err)
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	healthServer.Shutdown()

	shutdownTimer := time.NewTimer(cfg.ShutdownTimeout)
	defer shutdownTimer.Stop()

	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("gRPC server stopped gracefully")
	case <-shutdownTimer.C:
		log.Warn("force stopping gRPC server")
		grpcServer.Stop()
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (storage.HistoryStore, io.Closer, error) {
	switch cfg.HistoryBackend {
	case config.BackendPostgres:
		store, err := storage.NewStorage(cfg.DBConn)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("reach database: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
		log.Info("database connection established")
		return store, store, nil
	case config.BackendBadger:
		store, err := storage.OpenBadger(cfg.BadgerPath, log)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.BackendGRPC:
		return nil, nil, fmt.Errorf("HISTORY_BACKEND %q would make the history service call itself", cfg.HistoryBackend)
	default:
		log.Warn("history kept in memory; messages are lost on restart")
		return storage.NewMemoryStore(), nil, nil
	}
}
