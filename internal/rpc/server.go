// Package rpc 提供节点间使用的内部 gRPC 接口: 历史消息查询与在线状态查询.
// 消息体使用 google.protobuf.Struct, 不依赖生成代码
package rpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

type Server struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	address  string
	log      *zap.Logger
}

// NewServer 监听 address 并注册健康检查服务
func NewServer(address string, log *zap.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return NewServerWithListener(listener, log), nil
}

// NewServerWithListener 测试中配合 bufconn 使用
func NewServerWithListener(listener net.Listener, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("grpc")
	s := &Server{listener: listener, address: listener.Addr().String(), log: log}
	s.server = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryLoggingInterceptor),
		grpc.StreamInterceptor(s.streamLoggingInterceptor),
	)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	return s
}

func (s *Server) unaryLoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	start := time.Now()
	resp, err = handler(ctx, req)
	s.log.Debug("grpc call",
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
		zap.Stringer("code", status.Code(err)))
	return resp, err
}

func (s *Server) streamLoggingInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	code := codes.OK
	if err != nil {
		code = status.Code(err)
	}
	s.log.Debug("grpc stream",
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
		zap.Stringer("code", code))
	return err
}

// Register 注册历史与在线状态服务, 并把健康状态置为 SERVING
func (s *Server) Register(history HistoryLister, presence PresenceChecker) {
	if history != nil {
		s.server.RegisterService(&historyServiceDesc, &historyServer{history: history})
		s.health.SetServingStatus(HistoryService, healthpb.HealthCheckResponse_SERVING)
	}
	if presence != nil {
		s.server.RegisterService(&presenceServiceDesc, &presenceServer{presence: presence})
		s.health.SetServingStatus(PresenceService, healthpb.HealthCheckResponse_SERVING)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) Addr() string { return s.address }

// Start 阻塞直到 Stop
func (s *Server) Start() error {
	s.log.Info("starting grpc server", zap.String("addr", s.address))
	return s.server.Serve(s.listener)
}

func (s *Server) Stop() {
	s.log.Info("stopping grpc server")
	s.health.Shutdown()
	s.server.GracefulStop()
}
