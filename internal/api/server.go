package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kjannette/cardvault-backend/internal/batch"
	"github.com/kjannette/cardvault-backend/internal/models"
)

const maxBatchNames = 500

// MarketService is the origin resolution pipeline the API exposes.
type MarketService interface {
	ResolveOne(ctx context.Context, name string) (models.Result, error)
	ResolveExhaustive(ctx context.Context, name string) (models.Result, error)
	ResolveBatch(ctx context.Context, names []string, opts batch.Options, exhaustive bool) *batch.Job
	RunBatch(ctx context.Context, names []string, opts batch.Options, exhaustive bool, progress func(batch.Progress)) *batch.Job
	Invalidate(ctx context.Context, name string) error
	QuotaStatus(ctx context.Context) (models.QuotaStatus, error)
}

// Pinger reports database reachability for /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	market     MarketService
	db         Pinger
	httpServer *http.Server
	apiKey     string
	corsOrigin string
	logger     *slog.Logger
}

type ServerConfig struct {
	Port       int
	APIKey     string
	CORSOrigin string
	Logger     *slog.Logger
}

func NewServer(market MarketService, db Pinger, cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = "*"
	}
	s := &Server{
		market:     market,
		db:         db,
		apiKey:     cfg.APIKey,
		corsOrigin: cfg.CORSOrigin,
		logger:     cfg.Logger.With("component", "api"),
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// batches pace themselves between chunks; the stream endpoint
		// manages its own write deadlines
		WriteTimeout: 5 * time.Minute,
	}

	return s
}

// Handler is the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Market routes
	mux.HandleFunc("GET /v1/market/price", s.handlePrice)
	mux.HandleFunc("POST /v1/market/batch", s.handleBatch)
	mux.HandleFunc("GET /v1/market/batch/stream", s.handleBatchStream)
	mux.HandleFunc("DELETE /v1/market/cache", s.handleInvalidate)
	mux.HandleFunc("GET /v1/market/quota", s.handleQuota)

	// Health check (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.authMiddleware(corsMiddleware(mux, s.corsOrigin))
}

func (s *Server) Start() error {
	s.logger.Info("REST API server started", "addr", "http://localhost"+s.httpServer.Addr)
	s.logger.Info("health check", "url", "http://localhost"+s.httpServer.Addr+"/health")
	if s.apiKey != "" {
		s.logger.Info("authentication enabled (Bearer token)")
	} else {
		s.logger.Warn("authentication disabled (no API_KEY configured)")
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- middleware ---

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing Authorization header")
			return
		}

		token, ok := bearerToken(auth)
		if !ok || token != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", false
	}
	return header[len(prefix):], true
}

func corsMiddleware(next http.Handler, allowOrigin string) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Client-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- validation helpers ---

func parseBool(r *http.Request, key string) bool {
	b, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && b
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
