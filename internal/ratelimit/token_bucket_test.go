package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lead-run-orchestrator/internal/testutil"
)

func newBucket(t *testing.T, capacity int, refill float64) (*TokenBucket, *testutil.Clock) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	clock := testutil.NewClock(testutil.Epoch)
	return NewTokenBucket(client, capacity, refill, time.Minute).WithClock(clock.Now), clock
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, allowed)
	allowed, remaining, err := bucket.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.InDelta(t, 0, remaining, 0.001)

	allowed, _, err = bucket.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, allowed, "third token exceeds capacity")

	allowed, _, err = bucket.Allow(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, allowed, "buckets are per key")

	clock.Advance(1500 * time.Millisecond)
	allowed, remaining, err = bucket.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, allowed, "refilled after time passes")
	assert.InDelta(t, 0.5, remaining, 0.001)
}

func TestMiddlewareRejectsWith429(t *testing.T) {
	bucket, _ := newBucket(t, 1, 0.5)
	h := Middleware(bucket, func(r *http.Request) string { return r.Header.Get("X-User") }, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	call := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User", user)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, call("u1").Code)
	rec := call("u1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, call("").Code, "anonymous requests are not limited here")
}
