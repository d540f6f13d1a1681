package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/log-sentinel/pkg/logger"
	"github.com/supporttools/log-sentinel/pkg/types"
	"github.com/supporttools/log-sentinel/pkg/util"
)

const (
	maxResponseBody = 1024 * 1024
	userAgent       = "log-sentinel/1.0"
	minRetryDelay   = 100 * time.Millisecond
)

type webhookPayload struct {
	Text string `json:"text"`
}

// WebhookChannel posts alerts as {"text": ...} to a chat webhook.
type WebhookChannel struct {
	config  types.WebhookConfig
	client  *http.Client
	auth    AuthProvider
	backoff util.Backoff
	log     *logrus.Entry
}

// NewWebhookChannel creates a channel for config. Defaults must already be
// applied.
func NewWebhookChannel(config types.WebhookConfig) (*WebhookChannel, error) {
	auth, err := NewAuthProvider(config.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth provider: %w", err)
	}
	if config.Retry == nil {
		config.Retry = &types.RetryConfig{MaxAttempts: 1}
	}

	client := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: config.Timeout,
			MaxIdleConns:          10,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	return &WebhookChannel{
		config: config,
		client: client,
		auth:   auth,
		backoff: util.Backoff{
			BaseDelay: config.Retry.BaseDelay,
			MaxDelay:  config.Retry.MaxDelay,
			MinDelay:  minRetryDelay,
		},
		log: logger.ForComponent("alert").WithField(logger.FieldChannel, config.Name),
	}, nil
}

func (w *WebhookChannel) Name() string { return w.config.Name }
func (w *WebhookChannel) Type() string { return TypeWebhook }

// Budget allows every attempt its full timeout plus the longest backoff
// between attempts.
func (w *WebhookChannel) Budget() time.Duration {
	n := w.maxAttempts()
	return time.Duration(n)*w.config.Timeout + time.Duration(n-1)*w.config.Retry.MaxDelay
}

func (w *WebhookChannel) maxAttempts() int {
	if w.config.Retry.MaxAttempts <= 0 {
		return 1
	}
	return w.config.Retry.MaxAttempts
}

// Send posts msg, retrying transient failures with exponential backoff.
func (w *WebhookChannel) Send(ctx context.Context, msg Message) (int, error) {
	body, err := json.Marshal(webhookPayload{Text: msg.Text()})
	if err != nil {
		return 0, w.deliveryError(fmt.Errorf("failed to marshal payload: %w", err))
	}

	maxAttempts := w.maxAttempts()
	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		if attempt > 0 {
			delay := w.backoff.Delay(attempt)
			var httpErr *HTTPError
			if errors.As(lastErr, &httpErr) && httpErr.RetryAfter > delay {
				delay = httpErr.RetryAfter
				if limit := w.config.Retry.MaxDelay; limit > 0 && delay > limit {
					delay = limit
				}
			}
			w.log.Debugf("Retry attempt %d/%d after %v", attempt+1, maxAttempts, delay)
			if err := util.Sleep(ctx, delay); err != nil {
				return attempt, w.deliveryError(err)
			}
		}
		attempt++

		err := w.post(ctx, body)
		if err == nil {
			if attempt > 1 {
				w.log.Infof("Delivered on attempt %d/%d", attempt, maxAttempts)
			}
			return attempt, nil
		}
		lastErr = err

		if !isRetryable(err) {
			w.log.WithError(err).Warn("Non-retryable webhook error")
			break
		}
		if attempt < maxAttempts {
			w.log.WithError(err).Warnf("Attempt %d/%d failed", attempt, maxAttempts)
		}
	}

	return attempt, w.deliveryError(fmt.Errorf("request failed after %d attempts: %w", attempt, lastErr))
}

func (w *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for key, value := range w.config.Headers {
		req.Header.Set(key, value)
	}
	if err := w.auth.AddAuth(req); err != nil {
		return fmt.Errorf("failed to add authentication: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &TimeoutError{Message: "request timeout", Timeout: w.config.Timeout}
		}
		return &NetworkError{Message: "network error", Cause: err}
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &NetworkError{Message: "failed to read response body", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(responseBody)),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				httpErr.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return httpErr
	}
	return nil
}

func (w *WebhookChannel) deliveryError(err error) error {
	de := &types.DeliveryError{Channel: w.config.Name, Err: err}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		de.StatusCode = httpErr.StatusCode
	}
	return de
}
