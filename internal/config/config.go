// Package config loads settings for both binaries from the environment,
// after an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"thoth-rooms/internal/models"
)

const defaultSecret = "change_me"

// minMessageSize holds a chatMessage envelope whose text is
// models.MaxTextLength characters, each JSON-escaped as a surrogate pair.
const minMessageSize = 12*models.MaxTextLength + 64

// History and directory backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendGRPC     = "grpc"
	BackendRedis    = "redis"
)

type Config struct {
	Addr        string `env:"ADDR,default=:8080"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`
	GRPCAddr    string `env:"GRPC_ADDR,default=:9090"`

	AllowedOrigins string `env:"ALLOWED_ORIGINS,default=*"`
	JWTSecret      string `env:"JWT_SECRET,default=change_me"`

	HistoryBackend    string        `env:"HISTORY_BACKEND,default=memory"`
	DirectoryBackend  string        `env:"DIRECTORY_BACKEND,default=memory"`
	DBConn            string        `env:"THOTH_DB_CONN"`
	BadgerPath        string        `env:"BADGER_PATH,default=data/history"`
	HistoryGRPCAddr   string        `env:"HISTORY_GRPC_ADDR,default=localhost:9090"`
	HistoryRPCTimeout time.Duration `env:"HISTORY_RPC_TIMEOUT,default=3s"`
	RedisAddr         string        `env:"REDIS_ADDR,default=localhost:6379"`
	DefaultRooms      string        `env:"DEFAULT_ROOMS,default=general"`

	HistoryLimit    int     `env:"HISTORY_LIMIT,default=50"`
	HistoryMaxLimit int     `env:"HISTORY_MAX_LIMIT,default=200"`
	SendBuffer      int     `env:"SEND_BUFFER,default=256"`
	MaxMessageSize  int64   `env:"MAX_MESSAGE_SIZE,default=16384"`
	RateLimit       float64 `env:"RATE_LIMIT_PER_SECOND,default=10"`
	RateBurst       int     `env:"RATE_LIMIT_BURST,default=20"`
	PresenceDedup   bool    `env:"PRESENCE_DEDUP,default=true"`

	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=5s"`
}

// Load reads .env when present, then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.HistoryBackend {
	case BackendMemory, BackendPostgres, BackendBadger, BackendGRPC:
	default:
		errs = append(errs, fmt.Errorf("HISTORY_BACKEND %q is not one of memory, postgres, badger, grpc", c.HistoryBackend))
	}
	switch c.DirectoryBackend {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("DIRECTORY_BACKEND %q is not one of memory, postgres, redis", c.DirectoryBackend))
	}
	if (c.HistoryBackend == BackendPostgres || c.DirectoryBackend == BackendPostgres) && c.DBConn == "" {
		errs = append(errs, errors.New("THOTH_DB_CONN is required for the postgres backend"))
	}
	if c.HistoryLimit <= 0 || c.HistoryMaxLimit < c.HistoryLimit {
		errs = append(errs, fmt.Errorf("HISTORY_LIMIT %d must be positive and at most HISTORY_MAX_LIMIT %d", c.HistoryLimit, c.HistoryMaxLimit))
	}
	if c.MaxMessageSize < minMessageSize {
		errs = append(errs, fmt.Errorf("MAX_MESSAGE_SIZE %d is below %d, too small for a full-length escaped message", c.MaxMessageSize, minMessageSize))
	}
	if c.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("SEND_BUFFER %d must be positive", c.SendBuffer))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Origins splits ALLOWED_ORIGINS.
func (c Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

// Rooms splits DEFAULT_ROOMS.
func (c Config) Rooms() []string {
	return splitList(c.DefaultRooms)
}

// InsecureSecret reports whether JWT_SECRET was left at its default.
func (c Config) InsecureSecret() bool {
	return c.JWTSecret == defaultSecret
}

// Logger builds the process logger at LOG_LEVEL.
func (c Config) Logger() *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
