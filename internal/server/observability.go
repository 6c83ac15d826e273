// Observability middleware and the gRPC health endpoint
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/nainya/vizmeta/internal/logger"
	"github.com/nainya/vizmeta/internal/metrics"
)

// HealthServiceName is the service reported by the gRPC health server
const HealthServiceName = "vizmeta.MetadataStore"

// GrpcMetricsInterceptor creates a gRPC interceptor for metrics and logging
func GrpcMetricsInterceptor(m *metrics.Metrics, log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		// Call the handler
		resp, err := handler(ctx, req)

		// Record metrics
		duration := time.Since(start)
		status := "success"
		if err != nil {
			status = "error"
		}

		if m != nil {
			m.RecordGrpcRequest(info.FullMethod, status, duration)
		}

		// Log request
		log.LogGrpcRequest(info.FullMethod, duration, err)

		return resp, err
	}
}

// HealthServer serves grpc.health.v1 for the metadata store
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	log    *logger.Logger
}

// NewHealthServer creates a gRPC server carrying only the health service.
// Both the overall and the named service start as NOT_SERVING.
func NewHealthServer(m *metrics.Metrics, log *logger.Logger) *HealthServer {
	if log == nil {
		log = logger.Nop()
	}
	gs := grpc.NewServer(grpc.UnaryInterceptor(GrpcMetricsInterceptor(m, log)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	// Register reflection service for grpcurl/grpcui
	reflection.Register(gs)

	h := &HealthServer{grpc: gs, health: hs, log: log}
	h.SetServing(false)
	return h
}

// SetServing updates the reported status of the store service
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(HealthServiceName, status)
}

// Serve accepts connections on lis until Stop is called
func (h *HealthServer) Serve(lis net.Listener) error {
	h.log.Info("Starting gRPC health server").
		Str("addr", lis.Addr().String()).
		Send()

	if err := h.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc health server failed: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the server gracefully
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}

// NewHTTPServer wraps handler in an http.Server with the given timeouts
func NewHTTPServer(addr string, handler http.Handler, readTimeout, writeTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
}
