package grpcclient

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"thoth-rooms/internal/chatservice"
	"thoth-rooms/internal/models"
)

// HistoryClient is a storage.HistoryStore backed by the remote history service.
type HistoryClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	log     *slog.Logger
}

// Dial connects to the history service at address. Connection setup is lazy;
// use Health to check the service is reachable.
func Dial(address string, timeout time.Duration, log *slog.Logger, opts ...grpc.DialOption) (*HistoryClient, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to history service %s: %w", address, err)
	}
	return New(conn, timeout, log), nil
}

func New(conn *grpc.ClientConn, timeout time.Duration, log *slog.Logger) *HistoryClient {
	return &HistoryClient{conn: conn, timeout: timeout, log: log.With("component", "grpc-client")}
}

func (c *HistoryClient) Append(ctx context.Context, room, username, text string) (models.Message, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var msg models.Message
	err := c.conn.Invoke(ctx, chatservice.AppendMethod,
		&chatservice.AppendRequest{Room: room, Username: username, Text: text}, &msg,
		grpc.CallContentSubtype(chatservice.CodecName))
	if err != nil {
		c.log.Error("append failed", "room", room, "duration", time.Since(start), "error", err)
		return models.Message{}, rpcError("append", err)
	}
	c.log.Debug("append done", "id", msg.ID, "room", room, "duration", time.Since(start))
	return msg, nil
}

func (c *HistoryClient) List(ctx context.Context, room string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var resp chatservice.ListResponse
	err := c.conn.Invoke(ctx, chatservice.ListMethod,
		&chatservice.ListRequest{Room: room, Limit: int32(limit)}, &resp,
		grpc.CallContentSubtype(chatservice.CodecName))
	if err != nil {
		c.log.Error("list failed", "room", room, "error", err)
		return nil, rpcError("list", err)
	}
	if resp.Messages == nil {
		resp.Messages = []models.Message{}
	}
	return resp.Messages, nil
}

// Health asks the standard gRPC health service whether history is serving.
func (c *HistoryClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: chatservice.ServiceName})
	if err != nil {
		return fmt.Errorf("history health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("history service is %s", resp.GetStatus())
	}
	return nil
}

func (c *HistoryClient) Close() error {
	return c.conn.Close()
}

func (c *HistoryClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func rpcError(op string, err error) error {
	if status.Code(err) == codes.InvalidArgument {
		return fmt.Errorf("%w: %s", models.ErrValidation, status.Convert(err).Message())
	}
	return fmt.Errorf("history rpc %s: %w", op, err)
}
