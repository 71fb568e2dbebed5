package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kjannette/cardvault-backend/internal/httputil"
	"github.com/kjannette/cardvault-backend/internal/models"
)

const defaultServiceName = "CardVaultMarket"

// Sender posts operator notices to a Slack or Discord webhook. Without a
// webhook URL notices are only logged.
type Sender struct {
	webhookURL  string
	serviceName string
	httpClient  *http.Client
	retry       httputil.RetryConfig
	logger      *slog.Logger
}

func NewSender(webhookURL, serviceName string, logger *slog.Logger) *Sender {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notifications")
	return &Sender{
		webhookURL:  webhookURL,
		serviceName: serviceName,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    5 * time.Second,
			Logger:      logger,
		},
		logger: logger,
	}
}

func (s *Sender) Send(ctx context.Context, msg string) error {
	formatted := fmt.Sprintf("[%s] %s", s.serviceName, msg)
	s.logger.Info("notice", "message", msg)

	if s.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(s.formatPayload(formatted))
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	resp, err := httputil.Do(ctx, s.httpClient, s.retry, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		s.logger.Error("failed to send notice after retries", "error", err)
		return fmt.Errorf("send notice: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (s *Sender) formatPayload(msg string) map[string]string {
	if strings.Contains(s.webhookURL, "discord") {
		return map[string]string{
			"content":  msg,
			"username": s.serviceName,
		}
	}
	return map[string]string{
		"text":     fmt.Sprintf("`%s`", msg),
		"username": s.serviceName,
	}
}

func (s *Sender) Enabled() bool {
	return s.webhookURL != ""
}

// QuotaMessage renders a provider quota notice for operators.
func QuotaMessage(level string, st models.QuotaStatus) string {
	switch level {
	case "exhausted":
		return fmt.Sprintf("provider quota exhausted: %d/%d calls used, serving cache only until %s",
			st.UsedToday, st.Limit, st.ResetAt.UTC().Format(time.RFC3339))
	default:
		return fmt.Sprintf("provider quota at %d/%d calls (%d remaining), resets %s",
			st.UsedToday, st.Limit, st.Remaining(), st.ResetAt.UTC().Format(time.RFC3339))
	}
}
