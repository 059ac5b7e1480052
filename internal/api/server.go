package api

import (
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/observability"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

// NewServer builds a gRPC server with request-id, tracing and metrics
// interceptors and registers the diagnostics service for m. collector may be
// nil.
func NewServer(m Mesh, collector *observability.APICollector, log logging.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if log == nil {
		log = logging.Noop()
	}
	interceptors := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	if collector != nil {
		interceptors = append(interceptors, collector.UnaryServerInterceptor())
	}

	serverOpts := append([]grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	}, opts...)

	server := grpc.NewServer(serverOpts...)
	RegisterDiagnosticsServer(server, NewService(m, log))
	return server
}
