package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	limiter "github.com/ulule/limiter/v3"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	l, err := New(nil, 1, time.Minute)
	require.NoError(t, err)

	handler := Handler{
		Limiter: l,
		Key:     func(*http.Request) string { return "static" },
	}.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/options", nil)
	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, req.Clone(req.Context()))
	require.Equal(t, http.StatusOK, rr1.Code)
	require.Equal(t, "0", rr1.Header().Get("X-RateLimit-Remaining"))

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req.Clone(req.Context()))
	require.Equal(t, http.StatusTooManyRequests, rr2.Code)
	require.Equal(t, "1", rr2.Header().Get("X-RateLimit-Limit"))
	require.NotEmpty(t, rr2.Header().Get("Retry-After"))
	require.Contains(t, rr2.Body.String(), "RATE_LIMITED")
}

func TestHandlerMiddlewareKeysByClientIP(t *testing.T) {
	l, err := New(nil, 1, time.Minute)
	require.NoError(t, err)
	handler := Handler{Limiter: l}.Middleware(okHandler())

	for _, addr := range []string{"10.0.0.1:5000", "10.0.0.2:5000"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/options/x", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, addr)
	}
}

type failingStore struct{ limiter.Store }

func (failingStore) Get(context.Context, string, limiter.Rate) (limiter.Context, error) {
	return limiter.Context{}, errors.New("store down")
}

func TestHandlerMiddlewareOnError(t *testing.T) {
	var called bool
	handler := Handler{
		Limiter: limiter.New(failingStore{}, limiter.Rate{Period: time.Second, Limit: 1}),
		Key:     func(*http.Request) string { return "err" },
		OnError: func(error) { called = true },
	}.Middleware(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, called)
}

func TestNewDisabledWithoutLimit(t *testing.T) {
	l, err := New(nil, 0, time.Minute)
	require.NoError(t, err)
	require.Nil(t, l)

	handler := Handler{Limiter: l}.Middleware(okHandler())
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Empty(t, rr.Header().Get("X-RateLimit-Limit"))
}

func TestRedisStoreSharesCounters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	first, err := New(client, 2, time.Minute)
	require.NoError(t, err)
	second, err := New(client, 2, time.Minute)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = first.Get(ctx, "203.0.113.9")
	require.NoError(t, err)
	_, err = second.Get(ctx, "203.0.113.9")
	require.NoError(t, err)
	lctx, err := first.Get(ctx, "203.0.113.9")
	require.NoError(t, err)
	require.True(t, lctx.Reached)
}
