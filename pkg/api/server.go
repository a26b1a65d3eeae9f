// Package api exposes the storage manager over HTTP.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tierstore/tierstore/internal/manager"
	"github.com/tierstore/tierstore/pkg/errors"
	"github.com/tierstore/tierstore/pkg/health"
	"github.com/tierstore/tierstore/pkg/types"
	"github.com/tierstore/tierstore/pkg/utils"
)

// maxBodySize bounds PUT payloads when ServerConfig.MaxBodySize is unset.
const maxBodySize = 64 << 20

// Server provides HTTP endpoints over a storage manager
type Server struct {
	httpServer *http.Server
	manager    *manager.Manager
	logger     *utils.StructuredLogger
	config     ServerConfig
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableMetrics mounts the Prometheus exposition at /metrics
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`

	// MaxBodySize caps PUT payloads in bytes; larger bodies get 413
	MaxBodySize int64 `yaml:"max_body_size" json:"max_body_size"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       "localhost:8080",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnableMetrics: true,
		MaxBodySize:   maxBodySize,
	}
}

// NewServer creates a new API server
func NewServer(config ServerConfig, m *manager.Manager, logger *utils.StructuredLogger) *Server {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Server{
		manager: m,
		logger:  logger.WithComponent("api"),
		config:  config,
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.Routes(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Routes builds the router. It is exported so tests and embedders can mount
// it without a listener.
func (s *Server) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.loggingMiddleware)

	router.Get("/health", s.handleHealth)
	router.Get("/health/components", s.handleHealthComponents)
	router.Get("/health/live", s.handleLiveness)

	router.Route("/v1", func(r chi.Router) {
		r.Put("/items/{key}", s.handleSet)
		r.Get("/items/{key}", s.handleGet)
		r.Delete("/items/{key}", s.handleRemove)
		r.Delete("/items", s.handleClear)

		r.Get("/sync", s.handleSyncState)
		r.Post("/sync", s.handleSync)

		r.Get("/metrics", s.handleMetrics)
		r.Post("/benchmark", s.handleBenchmark)
		r.Post("/cleanup", s.handleCleanup)
	})

	if s.config.EnableMetrics {
		router.Handle("/metrics", s.manager.Collector().Handler())
	}

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting API server", map[string]interface{}{"address": s.config.Address})
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Item handlers

type itemResponse struct {
	Key        string                 `json:"key"`
	Tier       types.TierType         `json:"tier"`
	Value      json.RawMessage        `json:"value"`
	Timestamp  int64                  `json:"timestamp"`
	Encrypted  bool                   `json:"encrypted"`
	Compressed bool                   `json:"compressed"`
	Chunks     int                    `json:"chunks,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	q := r.URL.Query()

	limit := s.config.MaxBodySize
	if limit <= 0 {
		limit = maxBodySize
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !json.Valid(body) {
		s.respondError(w, http.StatusBadRequest, "body must be a JSON value")
		return
	}

	opts := manager.SetOptions{Tier: types.TierType(q.Get("tier"))}
	if v := q.Get("ttl"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil || ttl < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		opts.TTL = ttl
	}
	if opts.Encrypt, err = optionalBool(q.Get("encrypt")); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid encrypt flag")
		return
	}
	if opts.Compress, err = optionalBool(q.Get("compress")); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid compress flag")
		return
	}
	if pinned, err := optionalBool(q.Get("pinned")); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid pinned flag")
		return
	} else if pinned != nil {
		opts.Pinned = *pinned
	}

	if err := s.manager.Set(r.Context(), key, json.RawMessage(body), opts); err != nil {
		s.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	tier := types.TierType(r.URL.Query().Get("tier"))

	item, err := s.manager.Get(r.Context(), key, manager.GetOptions{Tier: tier})
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	if tier == "" {
		tier = s.manager.DefaultTier()
	}
	s.respondJSON(w, http.StatusOK, itemResponse{
		Key:        key,
		Tier:       tier,
		Value:      json.RawMessage(item.Value),
		Timestamp:  item.Timestamp,
		Encrypted:  item.Encrypted,
		Compressed: item.Compressed,
		Chunks:     item.Chunks,
		Metadata:   item.Metadata,
	})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	tier := types.TierType(r.URL.Query().Get("tier"))

	if err := s.manager.Remove(r.Context(), key, manager.RemoveOptions{Tier: tier}); err != nil {
		s.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	tier := types.TierType(r.URL.Query().Get("tier"))

	if err := s.manager.Clear(r.Context(), manager.ClearOptions{Tier: tier}); err != nil {
		s.respondStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sync handlers

type syncResponse struct {
	types.SyncResult
	Error string `json:"error,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res := s.manager.Sync(r.Context())
	out := syncResponse{SyncResult: res}
	status := http.StatusOK
	if res.Error != nil {
		out.Error = res.Error.Error()
		if !res.Skipped {
			status = http.StatusBadGateway
		}
	}
	s.respondJSON(w, status, out)
}

func (s *Server) handleSyncState(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.manager.GetSyncState())
}

// Metrics and maintenance handlers

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.manager.GetMetrics(r.URL.Query().Get("key")))
}

func (s *Server) handleBenchmark(w http.ResponseWriter, r *http.Request) {
	var opts types.BenchmarkOptions
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&opts); err != nil && err != io.EOF {
			s.respondError(w, http.StatusBadRequest, "invalid benchmark options")
			return
		}
	}

	res, err := s.manager.RunBenchmark(r.Context(), opts)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	force, err := optionalBool(r.URL.Query().Get("force"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid force flag")
		return
	}

	res, err := s.manager.Cleanup(r.Context(), manager.CleanupOptions{Force: force != nil && *force})
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tracker := s.manager.Health()
	overallHealth := tracker.GetOverallHealth()
	items, bytes := s.manager.Usage()

	response := map[string]interface{}{
		"status":     overallHealth.String(),
		"timestamp":  time.Now(),
		"components": len(tracker.GetAllComponents()),
		"items":      items,
		"bytes":      bytes,
	}

	statusCode := http.StatusOK
	switch overallHealth {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded, health.StateReadOnly:
		statusCode = http.StatusPartialContent
	}

	s.respondJSON(w, statusCode, response)
}

func (s *Server) handleHealthComponents(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.manager.Health().GetAllComponents())
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		})
	})
}

// Helper methods

func optionalBool(v string) (*bool, error) {
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

// respondStoreError maps a StoreError code onto its HTTP status.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	var se *errors.StoreError
	if !stderrors.As(err, &se) {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := se.HTTPStatus
	if status == 0 {
		status = errors.GetDefaultHTTPStatus(se.Code)
	}
	s.respondJSON(w, status, map[string]interface{}{
		"error":     se.Message,
		"code":      se.Code,
		"key":       se.Key,
		"timestamp": time.Now(),
	})
}
