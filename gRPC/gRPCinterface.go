package proto

import (
	"context"
	"errors"
	"fmt"
	"net"

	"WaffleDeploy/logger"
	"WaffleDeploy/monitor"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Services reported through the health endpoint.
const (
	DatasetService = "dataset"
	ExportService  = "export"
	EngineService  = "engine"
)

var Services = []string{DatasetService, ExportService, EngineService}

type Server struct {
	*grpc.Server
	health *health.Server
	lis    net.Listener
}

func countRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	monitor.GRPCTotal.Inc()
	return handler(ctx, req)
}

// StartGRPCServer listens on port (0 picks a free one) and serves the
// standard health service with every entry of Services marked SERVING.
func StartGRPCServer(port int) (*Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	s := &Server{
		Server: grpc.NewServer(grpc.UnaryInterceptor(countRequests)),
		health: health.NewServer(),
		lis:    lis,
	}
	healthpb.RegisterHealthServer(s.Server, s.health)
	for _, name := range Services {
		s.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

func (s *Server) SetServing(service string, serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Stop flips every service to NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.GracefulStop()
}
