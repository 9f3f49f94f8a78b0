// Package httpapi exposes the front node's HTTP surface: file fetch/upload
// by path, directory create/list, version, health and metrics.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quiltfs/quiltfs/internal/logger"
	"github.com/quiltfs/quiltfs/pkg/front"
	"github.com/quiltfs/quiltfs/pkg/metrics"
)

// Info identifies the serving binary in /version responses.
type Info struct {
	Name    string // project name
	Binary  string // binary name
	Version string // semver
}

// NewRouter builds the chi router over the front node.
func NewRouter(node *front.Node, info Info) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	h := &handlers{node: node, info: info}

	r.Get("/version", h.version)
	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/get/file-by-path/*", h.getFileByPath)
	r.Post("/upload/file-by-path/*", h.uploadFileByPath)
	r.Post("/delete/file-by-path/*", h.deleteFileByPath)
	r.Post("/create/directory-by-path/*", h.createDirectoryByPath)
	r.Get("/list-directory", h.listDirectory)
	r.Get("/list-directory/*", h.listDirectory)

	return r
}

// requestLogger logs one line per request through the process logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}
