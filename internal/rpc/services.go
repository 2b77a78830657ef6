package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Gopher0727/Nyx/internal/apperr"
	"github.com/Gopher0727/Nyx/internal/views"
)

const (
	HistoryService  = "nyx.v1.History"
	PresenceService = "nyx.v1.Presence"

	listMessagesMethod = "/" + HistoryService + "/ListMessages"
	isOnlineMethod     = "/" + PresenceService + "/IsOnline"
)

type HistoryLister interface {
	List(ctx context.Context, chatID string, limit int, before *time.Time) ([]views.Message, error)
	ListAfterSeq(ctx context.Context, chatID string, afterSeq int64, limit int) ([]views.Message, error)
}

type PresenceChecker interface {
	Presence(ctx context.Context, userID string) (*views.Presence, error)
}

// History

type historyHandler interface {
	ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type historyServer struct {
	history HistoryLister
}

// ListMessages 请求: {chatId, limit?, before? (RFC3339), afterSeq?}, 响应: {messages: [...]}
func (s *historyServer) ListMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	chatID := fields["chatId"].GetStringValue()
	if chatID == "" {
		return nil, status.Error(codes.InvalidArgument, "chatId is required")
	}
	limit := int(fields["limit"].GetNumberValue())

	var (
		msgs []views.Message
		err  error
	)
	if v, ok := fields["afterSeq"]; ok {
		msgs, err = s.history.ListAfterSeq(ctx, chatID, int64(v.GetNumberValue()), limit)
	} else {
		var before *time.Time
		if raw := fields["before"].GetStringValue(); raw != "" {
			t, perr := time.Parse(time.RFC3339Nano, raw)
			if perr != nil {
				return nil, status.Error(codes.InvalidArgument, "before must be RFC3339")
			}
			before = &t
		}
		msgs, err = s.history.List(ctx, chatID, limit, before)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"messages": msgs})
}

func _History_ListMessages_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(historyHandler).ListMessages(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listMessagesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(historyHandler).ListMessages(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var historyServiceDesc = grpc.ServiceDesc{
	ServiceName: HistoryService,
	HandlerType: (*historyHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListMessages", Handler: _History_ListMessages_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nyx/v1/nyx.proto",
}

// Presence

type presenceHandler interface {
	IsOnline(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type presenceServer struct {
	presence PresenceChecker
}

// IsOnline 请求: {userId}, 响应: {userId, online, node?, home?}
func (s *presenceServer) IsOnline(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := req.GetFields()["userId"].GetStringValue()
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "userId is required")
	}
	p, err := s.presence.Presence(ctx, userID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(p)
}

func _Presence_IsOnline_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(presenceHandler).IsOnline(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: isOnlineMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(presenceHandler).IsOnline(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var presenceServiceDesc = grpc.ServiceDesc{
	ServiceName: PresenceService,
	HandlerType: (*presenceHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IsOnline", Handler: _Presence_IsOnline_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nyx/v1/nyx.proto",
}

// toStruct 经 JSON 转换, 字段名与 HTTP 接口一致
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, apperr.ErrValidation):
		code = codes.InvalidArgument
	case errors.Is(err, apperr.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, apperr.ErrConflict):
		code = codes.AlreadyExists
	case errors.Is(err, apperr.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, apperr.ErrForbidden):
		code = codes.PermissionDenied
	case errors.Is(err, apperr.ErrRateLimited):
		code = codes.ResourceExhausted
	}
	return status.Error(code, apperr.Message(err))
}

// Client 其他节点调用内部接口
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// ListMessages afterSeq<0 时按 before 分页
func (c *Client) ListMessages(ctx context.Context, chatID string, limit int, before *time.Time, afterSeq int64) ([]views.Message, error) {
	fields := map[string]any{"chatId": chatID, "limit": limit}
	if afterSeq >= 0 {
		fields["afterSeq"] = afterSeq
	} else if before != nil {
		fields["before"] = before.UTC().Format(time.RFC3339Nano)
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, listMessagesMethod, req, resp); err != nil {
		return nil, err
	}
	var out struct {
		Messages []views.Message `json:"messages"`
	}
	if err := fromStruct(resp, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Messages, nil
}

func (c *Client) IsOnline(ctx context.Context, userID string) (*views.Presence, error) {
	req, err := structpb.NewStruct(map[string]any{"userId": userID})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, isOnlineMethod, req, resp); err != nil {
		return nil, err
	}
	var p views.Presence
	if err := fromStruct(resp, &p); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &p, nil
}
