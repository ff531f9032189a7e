package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilemarket/checkout/internal/platform/auth"
)

func countingHandler(calls *atomic.Int32, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"call":` + strconv.Itoa(int(n)) + `}`))
	})
}

func submit(t *testing.T, h http.Handler, key, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions/s1/submit", bytes.NewBufferString(body))
	if key != "" {
		req.Header.Set(HeaderName, key)
	}
	if user != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: user}))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddlewareReplaysSuccessfulResponse(t *testing.T) {
	var calls atomic.Int32
	h := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusOK))

	first := submit(t, h, "key-1", "user-1", "")
	second := submit(t, h, "key-1", "user-1", "")

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(ReplayHeader))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Empty(t, first.Header().Get(ReplayHeader))
}

func TestMiddlewareReleasesFailedResponse(t *testing.T) {
	var calls atomic.Int32
	h := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusPaymentRequired))

	submit(t, h, "key-1", "user-1", "")
	rr := submit(t, h, "key-1", "user-1", "")

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, http.StatusPaymentRequired, rr.Code)
	assert.Empty(t, rr.Header().Get(ReplayHeader))
}

func TestMiddlewareScopesKeysPerUser(t *testing.T) {
	var calls atomic.Int32
	h := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusOK))

	submit(t, h, "key-1", "user-1", "")
	submit(t, h, "key-1", "user-2", "")

	assert.Equal(t, int32(2), calls.Load())
}

func TestMiddlewareRejectsReusedKeyWithDifferentBody(t *testing.T) {
	var calls atomic.Int32
	h := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusOK))

	submit(t, h, "key-1", "user-1", `{"a":1}`)
	rr := submit(t, h, "key-1", "user-1", `{"a":2}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMiddlewarePassesThroughWithoutKey(t *testing.T) {
	var calls atomic.Int32
	h := Middleware(NewMemoryStore())(countingHandler(&calls, http.StatusOK))

	submit(t, h, "", "user-1", "")
	submit(t, h, "", "user-1", "")

	assert.Equal(t, int32(2), calls.Load())
}

func TestMemoryStorePendingAndExpiry(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	state, _, err := store.Reserve(context.Background(), "k", "fp", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)

	state, _, err = store.Reserve(context.Background(), "k", "fp", now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	assert.Equal(t, 0, store.CleanupExpired(now.Add(30*time.Second)))
	assert.Equal(t, 1, store.CleanupExpired(now.Add(2*time.Minute)))

	state, _, err = store.Reserve(context.Background(), "k", "other", now.Add(3*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateNew, state)
}
