package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chimera/config"
	"chimera/core"
)

const webhookUserAgent = "chimera/1.0"

// WebhookChannel POSTs merge events to an operator-configured HTTP endpoint.
// Deliveries run through a client-side rate limiter and a circuit breaker so
// a slow or dead endpoint cannot back up the correlation pipeline.
type WebhookChannel struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	breaker *CircuitBreaker
	logger  *zap.SugaredLogger
}

var _ Channel = (*WebhookChannel)(nil)

// NewWebhookChannel validates the destination and builds the channel. The
// URL is checked once here rather than per delivery; it comes from operator
// configuration, not from alert content.
func NewWebhookChannel(cfg config.WebhookConfig, logger *zap.SugaredLogger) (*WebhookChannel, error) {
	if err := ValidateWebhookURL(cfg.URL, cfg.AllowLocalhost, cfg.AllowPrivateIPs); err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.Timeout) * time.Second
	if cfg.Timeout < 1 {
		timeout = 10 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 10
	}

	breaker, err := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 3,
		Cooldown:    60 * time.Second,
		MaxProbes:   1,
	})
	if err != nil {
		return nil, err
	}

	return &WebhookChannel{
		url:   cfg.URL,
		token: cfg.Token,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects could point anywhere; the validated URL is the
				// only destination we deliver to.
				return http.ErrUseLastResponse
			},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: breaker,
		logger:  logger,
	}, nil
}

// Name identifies this channel in logs and metrics.
func (w *WebhookChannel) Name() string { return "webhook" }

// Publish delivers one merge event. It blocks on the rate limiter (bounded
// by ctx), then consults the circuit breaker before touching the network.
func (w *WebhookChannel) Publish(ctx context.Context, event core.MergeEvent) error {
	body, err := json.Marshal(map[string]interface{}{
		"type":         "merge",
		"original_id":  event.OriginalID,
		"duplicate_id": event.DuplicateID,
		"fingerprint":  event.Fingerprint,
		"merged_at":    event.MergedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}
	if err := w.breaker.Allow(); err != nil {
		return fmt.Errorf("webhook endpoint unavailable: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(body))
	if err != nil {
		w.breaker.RecordFailure()
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.breaker.RecordFailure()
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			w.logger.Debugf("Failed to close webhook response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.breaker.RecordFailure()
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.breaker.RecordSuccess()
	w.logger.Debugw("Merge event delivered to webhook",
		"original_id", event.OriginalID,
		"duplicate_id", event.DuplicateID)
	return nil
}
