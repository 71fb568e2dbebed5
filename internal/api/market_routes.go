package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kjannette/cardvault-backend/internal/batch"
	"github.com/kjannette/cardvault-backend/internal/governor"
	"github.com/kjannette/cardvault-backend/internal/market"
	"github.com/kjannette/cardvault-backend/internal/merger"
)

type batchRequest struct {
	Names             []string `json:"names"`
	BatchSize         int      `json:"batchSize"`
	InterBatchDelayMs *int64   `json:"interBatchDelayMs"`
	Exhaustive        bool     `json:"exhaustive"`
}

func (b batchRequest) options() batch.Options {
	opts := batch.Options{BatchSize: b.BatchSize, InterBatchDelay: batch.DefaultInterBatchDelay}
	if b.InterBatchDelayMs != nil {
		opts.InterBatchDelay = time.Duration(*b.InterBatchDelayMs) * time.Millisecond
	}
	return opts
}

func (b batchRequest) validate() string {
	if len(b.Names) == 0 {
		return "names must not be empty"
	}
	if len(b.Names) > maxBatchNames {
		return "too many names, max " + strconv.Itoa(maxBatchNames)
	}
	if b.BatchSize < 0 {
		return "batchSize must not be negative"
	}
	if b.InterBatchDelayMs != nil && *b.InterBatchDelayMs < 0 {
		return "interBatchDelayMs must not be negative"
	}
	return ""
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if strings.TrimSpace(name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	resolve := s.market.ResolveOne
	if parseBool(r, "exhaustive") {
		resolve = s.market.ResolveExhaustive
	}
	res, err := resolve(r.Context(), name)
	if err != nil {
		s.writeResolveError(w, r, name, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeResolveError(w http.ResponseWriter, r *http.Request, name string, err error) {
	switch {
	case errors.Is(err, market.ErrEmptyName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, governor.ErrQuotaExceeded):
		w.Header().Set("Retry-After", strconv.Itoa(s.secondsUntilReset(r)))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, merger.ErrProvidersUnavailable):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("resolve failed", "name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to resolve market price")
	}
}

func (s *Server) secondsUntilReset(r *http.Request) int {
	st, err := s.market.QuotaStatus(r.Context())
	if err != nil || st.ResetAt.IsZero() {
		return 3600
	}
	return max(1, int(math.Ceil(time.Until(st.ResetAt).Seconds())))
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	job := s.market.ResolveBatch(r.Context(), req.Names, req.options(), req.Exhaustive)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if strings.TrimSpace(name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.market.Invalidate(r.Context(), name); err != nil {
		s.logger.Error("invalidate failed", "name", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to invalidate cache entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type quotaResponse struct {
	UsedToday int       `json:"usedToday"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	st, err := s.market.QuotaStatus(r.Context())
	if err != nil {
		s.logger.Error("quota status failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read quota status")
		return
	}
	writeJSON(w, http.StatusOK, quotaResponse{
		UsedToday: st.UsedToday,
		Limit:     st.Limit,
		Remaining: st.Remaining(),
		ResetAt:   st.ResetAt,
	})
}
