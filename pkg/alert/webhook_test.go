package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supporttools/log-sentinel/pkg/types"
)

func testWebhookConfig(url string) types.WebhookConfig {
	return types.WebhookConfig{
		Name:    "chat",
		Enabled: true,
		URL:     url,
		Timeout: 2 * time.Second,
		Auth:    types.AuthConfig{Type: "bearer", Token: "t0ken"},
		Headers: map[string]string{"X-Team": "ops"},
		Retry: &types.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
		},
	}
}

func testMessage() Message {
	return Format(sampleBreaches(), CycleInfo{CycleID: "cycle-1", HostName: "collector"})
}

func TestWebhookSendSuccess(t *testing.T) {
	var got webhookPayload
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch, err := NewWebhookChannel(testWebhookConfig(server.URL))
	require.NoError(t, err)

	msg := testMessage()
	attempts, err := ch.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, msg.Subject+"\n"+msg.Body, got.Text)
	assert.Equal(t, "Bearer t0ken", headers.Get("Authorization"))
	assert.Equal(t, "ops", headers.Get("X-Team"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ch, err := NewWebhookChannel(testWebhookConfig(server.URL))
	require.NoError(t, err)

	attempts, err := ch.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWebhookHonoursRetryAfter(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch, err := NewWebhookChannel(testWebhookConfig(server.URL))
	require.NoError(t, err)

	start := time.Now()
	attempts, err := ch.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	// Retry-After is capped by the configured maximum delay
	assert.Less(t, time.Since(start), time.Second)
}

func TestWebhookClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	ch, err := NewWebhookChannel(testWebhookConfig(server.URL))
	require.NoError(t, err)

	attempts, err := ch.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var de *types.DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "chat", de.Channel)
	assert.Equal(t, http.StatusBadRequest, de.StatusCode)
}

func TestWebhookExhaustsAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ch, err := NewWebhookChannel(testWebhookConfig(server.URL))
	require.NoError(t, err)

	attempts, err := ch.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestWebhookBudget(t *testing.T) {
	ch, err := NewWebhookChannel(testWebhookConfig("http://127.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, 3*2*time.Second+2*20*time.Millisecond, ch.Budget())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(&HTTPError{StatusCode: 500}))
	assert.True(t, isRetryable(&HTTPError{StatusCode: 429}))
	assert.True(t, isRetryable(&HTTPError{StatusCode: 408}))
	assert.False(t, isRetryable(&HTTPError{StatusCode: 404}))
	assert.True(t, isRetryable(&NetworkError{Message: "reset"}))
	assert.True(t, isRetryable(&TimeoutError{Message: "slow"}))
	assert.False(t, isRetryable(errors.New("marshal failed")))
	assert.False(t, isRetryable(context.Canceled))
}
