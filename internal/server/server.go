// Package server exposes the settlement engine over gRPC and HTTP.
// The gRPC port carries the standard health service and reflection;
// the JSON surface is served by a grpc-gateway mux with explicit
// routes, so dashboards and curl talk to the same process.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PerpSettle/internal/engine"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/query"
)

// Deps holds everything the serving surface needs.
type Deps struct {
	Engine *engine.Engine
	// History is nil when the service runs without Postgres.
	History       *query.HistoryService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Log           zerolog.Logger
}

// Server wraps the gRPC server and the HTTP/JSON mux.
type Server struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	deps       *Deps
}

// New creates a server with health and reflection registered.
func New(grpcAddr, httpAddr string, deps *Deps) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		deps:       deps,
	}
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.deps.Log.Info().Msg("grpc server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.deps.Log.Info().Str("addr", s.grpcAddr).Msg("grpc server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON surface (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return fmt.Errorf("register routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if hc := s.deps.HealthChecker; hc != nil {
		httpMux.HandleFunc("/healthz", hc.LivenessHandler)
		httpMux.HandleFunc("/readyz", hc.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		s.deps.Log.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.deps.Log.Info().Str("addr", s.httpAddr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
