package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kjannette/cardvault-backend/internal/governor"
	"github.com/kjannette/cardvault-backend/internal/httputil"
	"github.com/kjannette/cardvault-backend/internal/market"
	"github.com/kjannette/cardvault-backend/internal/merger"
	"github.com/kjannette/cardvault-backend/internal/models"
)

type OriginConfig struct {
	BaseURL  string
	APIKey   string
	ClientID string
	Timeout  time.Duration
	// Retry defaults to three attempts; 502 (providers unavailable) is never
	// retried since each attempt would spend origin quota.
	Retry      *httputil.RetryConfig
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OriginClient talks to the origin market API over HTTP.
type OriginClient struct {
	baseURL  string
	apiKey   string
	clientID string
	http     *http.Client
	retry    httputil.RetryConfig
}

func NewOriginClient(cfg OriginConfig) *OriginClient {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	retry := httputil.RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	if retry.RetryOn == nil {
		retry.RetryOn = func(r *http.Response) bool {
			return r.StatusCode >= 500 && r.StatusCode != http.StatusBadGateway
		}
	}
	retry.Logger = cfg.Logger.With("component", "origin-client")

	return &OriginClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		clientID: cfg.ClientID,
		http:     cfg.HTTPClient,
		retry:    retry,
	}
}

func (o *OriginClient) ResolveOne(ctx context.Context, name string) (models.Result, error) {
	var res models.Result
	err := o.call(ctx, http.MethodGet, "/v1/market/price?name="+url.QueryEscape(name), &res)
	return res, err
}

func (o *OriginClient) Invalidate(ctx context.Context, name string) error {
	return o.call(ctx, http.MethodDelete, "/v1/market/cache?name="+url.QueryEscape(name), nil)
}

func (o *OriginClient) QuotaStatus(ctx context.Context) (models.QuotaStatus, error) {
	var st models.QuotaStatus
	err := o.call(ctx, http.MethodGet, "/v1/market/quota", &st)
	return st, err
}

func (o *OriginClient) call(ctx context.Context, method, path string, out any) error {
	resp, err := httputil.Do(ctx, o.http, o.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, o.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if o.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+o.apiKey)
		}
		if o.clientID != "" {
			req.Header.Set("X-Client-ID", o.clientID)
		}
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("origin %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode origin response: %w", err)
		}
		return nil
	case http.StatusNoContent:
		return nil
	case http.StatusTooManyRequests:
		return governor.ErrQuotaExceeded
	case http.StatusBadGateway:
		return merger.ErrProvidersUnavailable
	case http.StatusBadRequest:
		return market.ErrEmptyName
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("origin %s %s: %w", method, path, &httputil.StatusError{Code: resp.StatusCode, Body: string(body)})
	}
}
