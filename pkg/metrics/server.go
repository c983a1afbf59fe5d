package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server exposes the registry on /metrics for scrapers.
type Server struct {
	srv    *http.Server
	addr   string
	logger *zap.Logger
}

// StartServer serves the registry on /metrics until Stop. Port 0 binds
// an ephemeral port. Bind failures are logged, not returned; the
// resulting Server is still safe to Stop.
func StartServer(port int, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	s := &Server{logger: logger}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logger.Error("Metrics server failed to bind", zap.Int("port", port), zap.Error(err))
		return s
	}
	s.addr = ln.Addr().String()
	s.srv = &http.Server{Handler: mux}
	logger.Info("Metrics server listening", zap.String("address", s.addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	return s
}

// Addr returns the bound listen address, empty when the bind failed.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Stop drains in-flight scrapes and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
