package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/front"
)

// Server runs the HTTP API with graceful shutdown.
type Server struct {
	server *http.Server
}

// NewServer creates the HTTP server for the front node.
func NewServer(addr string, node *front.Node, info Info) *Server {
	return &Server{
		server: &http.Server{
			Addr:        addr,
			Handler:     NewRouter(node, info),
			ReadTimeout: 60 * time.Second,
			IdleTimeout: 120 * time.Second,
		},
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", s.server.Addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}
