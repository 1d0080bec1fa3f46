package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func completion(content string) string {
	b, _ := json.Marshal(Response{ID: "gen-1", Choices: []Choice{{Message: Delta{Role: "assistant", Content: content}}}})
	return string(b)
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{APIKey: "sk-or-test"})
	assert.Equal(t, defaultModel, c.Model())
	assert.Equal(t, openRouterURL, c.url)
	assert.Equal(t, DefaultRetryConfig(), c.retry)

	c = NewClient(Config{APIKey: "sk-or-test", Model: "google/gemini-2.5-pro"})
	assert.Equal(t, "google/gemini-2.5-pro", c.Model())
}

func TestComplete_SendsRequest(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-or-test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(completion("  Hackathon 2025\n")))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "sk-or-test", BaseURL: srv.URL, Model: "m", Retry: fastRetry()})
	out, err := c.Complete(context.Background(),
		TextMessage("system", "be terse"),
		ImageMessage("user", "read this", "image/png", []byte{0x89, 'P', 'N', 'G'}),
	)
	require.NoError(t, err)
	assert.Equal(t, "Hackathon 2025", out)

	assert.Equal(t, "m", got.Model)
	require.Len(t, got.Messages, 2)
	require.Len(t, got.Messages[1].Content, 2)
	assert.Equal(t, "image_url", got.Messages[1].Content[1].Type)
	assert.True(t, strings.HasPrefix(got.Messages[1].Content[1].ImageURL.URL, "data:image/png;base64,"))
}

func TestComplete_RetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(completion("ok")))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry()})
	out, err := c.Complete(context.Background(), TextMessage("user", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestComplete_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry()})
	_, err := c.Complete(context.Background(), TextMessage("user", "hi"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestComplete_NonRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry()})
	_, err := c.Complete(context.Background(), TextMessage("user", "hi"))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Contains(t, se.Body, "bad key")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestComplete_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry()})
	_, err := c.Complete(context.Background(), TextMessage("user", "hi"))
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestComplete_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry()})
	_, err := c.Complete(ctx, TextMessage("user", "hi"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, InitialBackoff: time.Second, MaxBackoff: 5 * time.Second}
	assert.Equal(t, time.Second, cfg.backoff(0, nil))
	assert.Equal(t, 2*time.Second, cfg.backoff(1, nil))
	assert.Equal(t, 4*time.Second, cfg.backoff(2, nil))
	assert.Equal(t, 5*time.Second, cfg.backoff(3, nil))
	assert.Equal(t, 5*time.Second, cfg.backoff(70, nil))

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", "3")
	assert.Equal(t, 3*time.Second, cfg.backoff(0, resp))
	resp.Header.Set("Retry-After", "120")
	assert.Equal(t, 5*time.Second, cfg.backoff(0, resp))
	resp.Header.Set("Retry-After", "Wed, 21 Oct 2026 07:28:00 GMT")
	assert.Equal(t, 2*time.Second, cfg.backoff(1, resp))
}

func TestTransient(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		assert.True(t, transient(code), "%d", code)
	}
	for _, code := range []int{200, 400, 401, 404, 501} {
		assert.False(t, transient(code), "%d", code)
	}
}

func TestComplete_GivesUpWithLastStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := NewClient(Config{APIKey: "k", BaseURL: srv.URL, Retry: fastRetry()})
	_, err := c.Complete(context.Background(), TextMessage("user", "hi"))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	assert.Equal(t, "upstream down", se.Body)
}
