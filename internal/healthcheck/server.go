// Package healthcheck exposes dependency health over the standard gRPC
// health protocol and provides a client for probing it.
package healthcheck

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Check tests one dependency.
type Check func(ctx context.Context) error

// Server serves gRPC health and keeps per-service status current.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	checks  map[string]Check
	timeout time.Duration

	mu     sync.Mutex
	status map[string]healthpb.HealthCheckResponse_ServingStatus
}

// NewServer creates a health server for the named checks. The overall
// service ("") is SERVING only while every check passes.
func NewServer(checks map[string]Check, timeout time.Duration) *Server {
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{
		grpc:    gs,
		health:  hs,
		checks:  checks,
		timeout: timeout,
		status:  make(map[string]healthpb.HealthCheckResponse_ServingStatus),
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	for name := range checks {
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_UNKNOWN)
	}
	return s
}

// RunChecks checks every dependency once and publishes the results.
func (s *Server) RunChecks(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, check := range s.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			err := check(cctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}()
	}
	wg.Wait()

	overall := healthpb.HealthCheckResponse_SERVING
	for name, err := range results {
		st := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.set(name, st, err)
	}
	s.set("", overall, nil)
	return results
}

func (s *Server) set(name string, st healthpb.HealthCheckResponse_ServingStatus, err error) {
	s.mu.Lock()
	prev, seen := s.status[name]
	s.status[name] = st
	s.mu.Unlock()

	if seen && prev != st {
		if err != nil {
			slog.Warn("Dependency health changed", "service", name, "status", st.String(), "error", err)
		} else {
			slog.Info("Dependency health changed", "service", name, "status", st.String())
		}
	}
	s.health.SetServingStatus(name, st)
}

// Status returns the last published status of a service.
func (s *Server) Status(name string) healthpb.HealthCheckResponse_ServingStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[name]; ok {
		return st
	}
	return healthpb.HealthCheckResponse_UNKNOWN
}

// Monitor runs the checks immediately and then every interval until ctx is
// cancelled. The returned channel is closed on exit.
func (s *Server) Monitor(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s.RunChecks(ctx)
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("Health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
