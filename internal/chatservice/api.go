package chatservice

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"thoth-rooms/internal/models"
)

const (
	ServiceName  = "thoth.history.v1.HistoryService"
	AppendMethod = "/" + ServiceName + "/Append"
	ListMethod   = "/" + ServiceName + "/List"

	// CodecName is the gRPC content-subtype the history service speaks.
	CodecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec carries history messages as JSON so the service needs no
// generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

type AppendRequest struct {
	Room     string `json:"room"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

type ListRequest struct {
	Room  string `json:"room"`
	Limit int32  `json:"limit"`
}

type ListResponse struct {
	Messages []models.Message `json:"messages"`
}

// HistoryServer is implemented by Service.
type HistoryServer interface {
	Append(context.Context, *AppendRequest) (*models.Message, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
}

// RegisterHistoryServer mounts srv on s.
func RegisterHistoryServer(s grpc.ServiceRegistrar, srv HistoryServer) {
	s.RegisterService(&historyServiceDesc, srv)
}

var historyServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HistoryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Append", Handler: appendHandler},
		{MethodName: "List", Handler: listHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "thoth/history/v1/history.proto",
}

func appendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AppendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HistoryServer).Append(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AppendMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(HistoryServer).Append(ctx, req.(*AppendRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(HistoryServer).List(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(HistoryServer).List(ctx, req.(*ListRequest))
	}
	return interceptor(ctx, in, info, handler)
}
