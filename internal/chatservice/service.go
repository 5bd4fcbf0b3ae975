package chatservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"thoth-rooms/internal/models"
	"thoth-rooms/internal/storage"
)

const maxListLimit = 500

// Service exposes a HistoryStore over gRPC so several gateways can share
// one database.
type Service struct {
	store storage.HistoryStore
	log   *slog.Logger
}

func NewService(store storage.HistoryStore, log *slog.Logger) *Service {
	return &Service{store: store, log: log.With("component", "chatservice")}
}

func (s *Service) Append(ctx context.Context, req *AppendRequest) (*models.Message, error) {
	room := strings.TrimSpace(req.Room)
	if room == "" {
		return nil, status.Error(codes.InvalidArgument, "room is required")
	}
	if strings.TrimSpace(req.Username) == "" {
		return nil, status.Error(codes.InvalidArgument, "username is required")
	}
	text, err := models.NormalizeText(req.Text)
	if err != nil {
		s.log.Warn("append rejected", "room", room, "username", req.Username, "error", err)
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	msg, err := s.store.Append(ctx, room, req.Username, text)
	if err != nil {
		s.log.Error("append failed", "room", room, "username", req.Username, "error", err)
		return nil, storeError(err)
	}
	s.log.Debug("message stored", "id", msg.ID, "room", room, "username", req.Username)
	return &msg, nil
}

func (s *Service) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	room := strings.TrimSpace(req.Room)
	if room == "" {
		return nil, status.Error(codes.InvalidArgument, "room is required")
	}
	limit := int(req.Limit)
	if limit > maxListLimit {
		limit = maxListLimit
	}

	msgs, err := s.store.List(ctx, room, limit)
	if err != nil {
		s.log.Error("list failed", "room", room, "error", err)
		return nil, storeError(err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return &ListResponse{Messages: msgs}, nil
}

func storeError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, "database error")
}

// LoggingInterceptor logs every unary call with its duration.
func LoggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	log = log.With("component", "grpc-server")
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		if err != nil {
			log.Error("gRPC request failed",
				"method", info.FullMethod,
				"duration", duration,
				"code", status.Code(err).String(),
				"error", err)
		} else {
			log.Info("gRPC request completed",
				"method", info.FullMethod,
				"duration", duration,
				"request", fmt.Sprintf("%T", req))
		}
		return resp, err
	}
}
