package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/bitcoin-trend/internal/httputil"
)

const DefaultServiceName = "bitcoin-trend"

// Sender posts operational messages to a Slack or Discord webhook.
// With no webhook configured it only logs.
type Sender struct {
	webhookURL  string
	serviceName string
	httpClient  *http.Client
	retry       httputil.RetryConfig
	log         *zap.Logger
}

func NewSender(webhookURL, serviceName string, log *zap.Logger) *Sender {
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sender{
		webhookURL:  webhookURL,
		serviceName: serviceName,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retry: httputil.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    5 * time.Second,
		},
		log: log.Named("notify"),
	}
}

func (s *Sender) Send(msg string) {
	formatted := fmt.Sprintf("[%s] %s", s.serviceName, msg)
	s.log.Info("notification", zap.String("message", msg))

	if s.webhookURL == "" {
		return
	}

	body, err := json.Marshal(s.formatPayload(formatted))
	if err != nil {
		s.log.Error("marshal webhook payload", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
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
		s.log.Warn("failed to send notification after retries", zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warn("webhook rejected notification", zap.Int("status", resp.StatusCode))
	}
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
