package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader = "Idempotency-Key"
	pendingMarker     = "\x00pending"
	maxKeyLength      = 128
	memoryKeyLimit    = 10000
)

// ErrKeyInFlight reports that another request holding the same key has not
// finished yet.
var ErrKeyInFlight = errors.New("idempotency key is in use by a concurrent request")

// IdempotencyStore maps Idempotency-Key values to the id of the resource the
// first request created.
type IdempotencyStore interface {
	// Begin claims key. It returns the stored id when the key already
	// completed, "" when the caller now owns the key, or ErrKeyInFlight.
	Begin(ctx context.Context, key string) (string, error)
	Finish(ctx context.Context, key, id string) error
	Abort(ctx context.Context, key string) error
}

// idempotent runs create at most once per (scope, actor, key). Replays return
// the resource fetched by id with 200 instead of 201.
func (a *API) idempotent(w http.ResponseWriter, r *http.Request, scope string,
	create func() (string, any, error), fetch func(id string) (any, error)) {
	raw := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if raw == "" {
		_, body, err := create()
		if err != nil {
			handleEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, body)
		return
	}
	if len(raw) > maxKeyLength {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key is too long")
		return
	}

	ctx := r.Context()
	key := fmt.Sprintf("idem:%s:%s:%s", scope, actorOf(r), raw)
	prior, err := a.idem.Begin(ctx, key)
	switch {
	case errors.Is(err, ErrKeyInFlight):
		writeError(w, r, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, r, http.StatusServiceUnavailable, "idempotency store unavailable")
		return
	case prior != "":
		body, err := fetch(prior)
		if err != nil {
			handleEngineError(w, r, err)
			return
		}
		w.Header().Set("Idempotent-Replay", "true")
		writeJSON(w, http.StatusOK, body)
		return
	}

	id, body, err := create()
	if err != nil {
		_ = a.idem.Abort(ctx, key)
		handleEngineError(w, r, err)
		return
	}
	if err := a.idem.Finish(ctx, key, id); err != nil {
		_ = a.idem.Abort(ctx, key)
	}
	writeJSON(w, http.StatusCreated, body)
}

// RedisIdempotency keeps keys in Redis so replays are detected across
// instances.
type RedisIdempotency struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisIdempotency(client *redis.Client, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{client: client, ttl: ttl}
}

func (s *RedisIdempotency) Begin(ctx context.Context, key string) (string, error) {
	ok, err := s.client.SetNX(ctx, key, pendingMarker, s.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("idempotency claim: %w", err)
	}
	if ok {
		return "", nil
	}
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; claim again.
		return s.Begin(ctx, key)
	}
	if err != nil {
		return "", fmt.Errorf("idempotency lookup: %w", err)
	}
	if val == pendingMarker {
		return "", ErrKeyInFlight
	}
	return val, nil
}

func (s *RedisIdempotency) Finish(ctx context.Context, key, id string) error {
	return s.client.Set(ctx, key, id, s.ttl).Err()
}

func (s *RedisIdempotency) Abort(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// MemoryIdempotency is the single-process fallback.
type MemoryIdempotency struct {
	mu   sync.Mutex
	ttl  time.Duration
	keys map[string]idemEntry
	now  func() time.Time
}

type idemEntry struct {
	id      string
	expires time.Time
}

func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	return &MemoryIdempotency{ttl: ttl, keys: make(map[string]idemEntry), now: time.Now}
}

func (s *MemoryIdempotency) Begin(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if len(s.keys) >= memoryKeyLimit {
		for k, e := range s.keys {
			if !now.Before(e.expires) {
				delete(s.keys, k)
			}
		}
	}
	if e, ok := s.keys[key]; ok && now.Before(e.expires) {
		if e.id == pendingMarker {
			return "", ErrKeyInFlight
		}
		return e.id, nil
	}
	s.keys[key] = idemEntry{id: pendingMarker, expires: now.Add(s.ttl)}
	return "", nil
}

func (s *MemoryIdempotency) Finish(_ context.Context, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = idemEntry{id: id, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *MemoryIdempotency) Abort(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}
