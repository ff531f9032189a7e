package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a completed response stays replayable.
const DefaultTTL = time.Hour

// State is the outcome of reserving a key.
type State int

const (
	// StateNew means the caller owns the key and should run the request.
	StateNew State = iota
	// StateCompleted means a stored response should be replayed.
	StateCompleted
	// StatePending means another request with the same key is still running.
	StatePending
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused for a different request")

// Response is a captured HTTP response.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store reserves keys and keeps completed responses.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Response, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type record struct {
	fingerprint string
	completed   bool
	response    Response
	expiresAt   time.Time
}

// MemoryStore keeps records in process. Checkout sessions are themselves in memory, so a replay can
// never outlive the session it belongs to.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]record)}
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (State, Response, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := hashKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || !now.Before(rec.expiresAt) {
		s.records[id] = record{fingerprint: fingerprint, expiresAt: now.Add(ttl)}
		return StateNew, Response{}, nil
	}
	if rec.fingerprint != fingerprint {
		return 0, Response{}, ErrFingerprintMismatch
	}
	if rec.completed {
		return StateCompleted, cloneResponse(rec.response), nil
	}
	return StatePending, Response{}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	id := hashKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[id]; ok && rec.fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.records[id] = record{
		fingerprint: fingerprint,
		completed:   true,
		response:    cloneResponse(resp),
		expiresAt:   now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, hashKey(key))
	return nil
}

// CleanupExpired drops expired records and returns how many were removed.
func (s *MemoryStore) CleanupExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.records {
		if !now.Before(rec.expiresAt) {
			delete(s.records, id)
			removed++
		}
	}
	return removed
}

func hashKey(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func cloneResponse(resp Response) Response {
	out := Response{Status: resp.Status, Headers: make(http.Header, len(resp.Headers))}
	for name, values := range resp.Headers {
		switch strings.ToLower(name) {
		case "content-length", "date", "connection", "transfer-encoding":
			continue
		}
		out.Headers[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
	}
	if len(resp.Body) > 0 {
		out.Body = append([]byte(nil), resp.Body...)
	}
	return out
}
