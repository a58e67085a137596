// Package probe serves the standard gRPC health service, reporting SERVING
// while the chat connection is open, and provides the matching client check.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/ashureev/salesbot/internal/connection"
)

// ConnectionService is the service name whose status follows the chat
// connection. The empty service name reports the same status.
const ConnectionService = "salesbot.Connection"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// StatusSource publishes connection status changes.
type StatusSource interface {
	Status() connection.Status
	Subscribe() (<-chan connection.Status, func())
}

// Server is the gRPC health endpoint.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	src    StatusSource
	logger *slog.Logger
}

// NewServer creates a health server following src.
func NewServer(src StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    2 * time.Minute,
		Timeout: 10 * time.Second,
	}))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{grpc: gs, health: hs, src: src, logger: logger}
	s.apply(src.Status())
	return s
}

// Serve answers health checks on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	updates, unsubscribe := s.src.Subscribe()
	defer unsubscribe()

	go func() {
		for {
			select {
			case st, ok := <-updates:
				if !ok {
					return
				}
				s.apply(st)
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			}
		}
	}()

	s.logger.Info("gRPC health server started", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Handler returns the underlying health service, for in-process checks.
func (s *Server) Handler() healthpb.HealthServer {
	return s.health
}

func (s *Server) apply(st connection.Status) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if st.State == connection.Connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ConnectionService, status)
}

// Check dials addr and returns the serving status of the connection
// service.
func Check(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial health endpoint %s: %w", addr, err)
	}
	defer conn.Close()

	if err := waitForReady(ctx, conn); err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health endpoint %s not ready: %w", addr, err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ConnectionService})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}
