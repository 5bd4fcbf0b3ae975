package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/time/rate"

	"thoth-rooms/internal/auth"
	"thoth-rooms/internal/config"
	"thoth-rooms/internal/grpcclient"
	"thoth-rooms/internal/handlers"
	"thoth-rooms/internal/metrics"
	"thoth-rooms/internal/storage"
	wsHub "thoth-rooms/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := cfg.Logger()
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	log.Info("starting thoth chat server",
		"addr", cfg.Addr,
		"history", cfg.HistoryBackend,
		"directory", cfg.DirectoryBackend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				log.Warn("close backend", "error", err)
			}
		}
	}()

	var pg *storage.Storage
	if cfg.HistoryBackend == config.BackendPostgres || cfg.DirectoryBackend == config.BackendPostgres {
		var err error
		if pg, err = openPostgres(ctx, cfg.DBConn); err != nil {
			return err
		}
		closers = append(closers, pg)
		log.Info("database connection established")
	}

	history, closer, err := openHistory(ctx, cfg, pg, log)
	if err != nil {
		return err
	}
	if closer != nil {
		closers = append(closers, closer)
	}

	directory, closer, err := openDirectory(ctx, cfg, pg)
	if err != nil {
		return err
	}
	if closer != nil {
		closers = append(closers, closer)
	}
	if err := storage.SeedRooms(ctx, directory, cfg.Rooms()); err != nil {
		return fmt.Errorf("seed rooms: %w", err)
	}

	m := metrics.NewRegistry(nil)

	if cfg.InsecureSecret() {
		log.Warn("JWT_SECRET is the built-in default; set it before exposing the server")
	}
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)

	hub := wsHub.NewHub(wsHub.Options{
		HistoryLimit:   cfg.HistoryLimit,
		SendBuffer:     cfg.SendBuffer,
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      rate.Limit(cfg.RateLimit),
		RateBurst:      cfg.RateBurst,
		PresenceDedup:  cfg.PresenceDedup,
	}, history, m, log)

	origins := handlers.NewOriginPolicy(cfg.Origins())
	log.Info("allowed origins", "origins", origins.Origins())
	router := handlers.NewRouter(handlers.Routes{
		Chat:     handlers.NewChatHandler(hub, verifier, origins, m, log),
		Rooms:    handlers.NewRoomsHandler(directory, history, hub, cfg.HistoryLimit, cfg.HistoryMaxLimit, log),
		Stats:    hub,
		Verifier: verifier,
		Origins:  origins,
		Metrics:  m,
		Log:      log,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	useTLS := cfg.TLSCertFile != ""
	if useTLS {
		tlsConfig, err := setupTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsConfig
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr, "tls", useTLS)
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Error("hub shutdown", "error", err)
	}
	log.Info("server stopped")
	return nil
}

func openPostgres(ctx context.Context, connStr string) (*storage.Storage, error) {
	store, err := storage.NewStorage(connStr)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("reach database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return store, nil
}

// openHistory picks the history backend. The returned closer is nil when
// the store owns nothing beyond what run already closes.
func openHistory(ctx context.Context, cfg config.Config, pg *storage.Storage, log *slog.Logger) (storage.HistoryStore, io.Closer, error) {
	switch cfg.HistoryBackend {
	case config.BackendPostgres:
		return pg, nil, nil
	case config.BackendBadger:
		store, err := storage.OpenBadger(cfg.BadgerPath, log)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.BackendGRPC:
		client, err := grpcclient.Dial(cfg.HistoryGRPCAddr, cfg.HistoryRPCTimeout, log)
		if err != nil {
			return nil, nil, err
		}
		if err := client.Health(ctx); err != nil {
			client.Close()
			return nil, nil, err
		}
		log.Info("history service reachable", "addr", cfg.HistoryGRPCAddr)
		return client, client, nil
	default:
		return storage.NewMemoryStore(), nil, nil
	}
}

func openDirectory(ctx context.Context, cfg config.Config, pg *storage.Storage) (storage.RoomDirectory, io.Closer, error) {
	switch cfg.DirectoryBackend {
	case config.BackendPostgres:
		return pg.Rooms(), nil, nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
		}
		return storage.NewRedisDirectory(client), client, nil
	default:
		return storage.NewMemoryDirectory(), nil, nil
	}
}

func setupTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}, nil
}
