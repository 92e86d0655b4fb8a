package identity

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iris/internal/types"
)

func noopSleep(context.Context, time.Duration) error { return nil }

func newTestTransport(t *testing.T, policy RetryPolicy, opts ...BaseClientOption) *BaseClient {
	t.Helper()
	opts = append([]BaseClientOption{WithSleepFunc(noopSleep)}, opts...)
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, "test-breaker", policy, "IRIS-Test/1.0", opts...)
}

func doGet(t *testing.T, c *BaseClient, ctx context.Context, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	return c.Do(req)
}

func TestBaseClient_Do_PropagatesHeaders(t *testing.T) {
	var traceID, ua string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = r.Header.Get("X-B3-TraceId")
		ua = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := types.WithRequestID(context.Background(), "trace-abc")
	resp, err := doGet(t, newTestTransport(t, DefaultRetryPolicy()), ctx, server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "trace-abc", traceID)
	assert.Equal(t, "IRIS-Test/1.0", ua)
}

func TestBaseClient_Do_RetriesOn5xxThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	resp, err := doGet(t, newTestTransport(t, DefaultRetryPolicy()), context.Background(), server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestBaseClient_Do_ExhaustedRetries(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   types.ErrorCode
	}{
		{"server error", http.StatusBadGateway, types.ErrCodeUpstreamUnavailable},
		{"rate limited", http.StatusTooManyRequests, types.ErrCodeUpstreamRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			policy := RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond}
			_, err := doGet(t, newTestTransport(t, policy), context.Background(), server.URL)

			assert.True(t, types.IsCode(err, tt.code), "got %v", err)
			assert.Equal(t, int32(3), calls.Load())
		})
	}
}

func TestBaseClient_Do_4xxNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	resp, err := doGet(t, newTestTransport(t, DefaultRetryPolicy()), context.Background(), server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBaseClient_Do_BodyReplayedAcrossRetries(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if len(bodies) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"email":"a@b.co"}`))
	require.NoError(t, err)
	resp, err := newTestTransport(t, DefaultRetryPolicy()).Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []string{`{"email":"a@b.co"}`, `{"email":"a@b.co"}`}, bodies)
}

func TestBaseClient_Do_RespectsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var waited []time.Duration
	record := WithSleepFunc(func(_ context.Context, d time.Duration) error {
		waited = append(waited, d)
		return nil
	})
	policy := RetryPolicy{MaxRetries: 1, MinWait: time.Millisecond, MaxWait: 10 * time.Second}
	resp, err := doGet(t, newTestTransport(t, policy, record), context.Background(), server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, []time.Duration{2 * time.Second}, waited)
}

func TestBaseClient_Do_CancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewBaseClient(nil, "cancel", RetryPolicy{MaxRetries: 3, MinWait: time.Hour, MaxWait: time.Hour}, "")
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := doGet(t, c, ctx, server.URL)
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamUnavailable))
}

func TestBaseClient_Do_OpenBreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "trip-fast",
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	c := newTestTransport(t, RetryPolicy{MaxRetries: 3, MinWait: time.Millisecond, MaxWait: time.Millisecond}, WithBreaker(cb))

	_, err := doGet(t, c, context.Background(), server.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "breaker opens after the first failure")

	appErr, ok := err.(*types.AppError)
	require.True(t, ok)
	assert.Contains(t, appErr.Message, "circuit breaker")
}

func TestBaseClient_ComputeBackoff_Bounds(t *testing.T) {
	c := newTestTransport(t, RetryPolicy{MaxRetries: 5, MinWait: 100 * time.Millisecond, MaxWait: time.Second})

	for attempt := 0; attempt < 6; attempt++ {
		d := c.computeBackoff(attempt, nil)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}
