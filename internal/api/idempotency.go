package api

import (
	"context"
	"sync"
	"time"

	"github.com/punchamoorthee/paymentops/internal/models"
)

const (
	DefaultReplayTTL = 24 * time.Hour

	// defaultEvictEvery is how many completions pass between sweeps of
	// expired records.
	defaultEvictEvery = 256
)

var (
	ErrIdempotencyConflict = models.ErrIdempotencyConflict
	ErrIdempotencyMismatch = models.ErrIdempotencyMismatch
)

// ReplayStore remembers completed payment responses by idempotency key so
// a client retry gets the original answer instead of a second charge.
//
// Begin claims key for a request whose body hashes to reqHash and returns
// the stored record when the request already completed. Complete stores
// the response for a claimed key. Release drops the claim without storing
// anything, so the client may retry.
type ReplayStore interface {
	Begin(ctx context.Context, key, reqHash string) (*models.IdempotencyRecord, error)
	Complete(ctx context.Context, key, reqHash string, status int, body []byte) error
	Release(ctx context.Context, key string) error
}

// ReplayCache is the in-process ReplayStore.
type ReplayCache struct {
	mu          sync.Mutex
	ttl         time.Duration
	now         func() time.Time
	evictEvery  int
	completions int
	inFlight    map[string]string
	done        map[string]models.IdempotencyRecord
}

var _ ReplayStore = (*ReplayCache)(nil)

func NewReplayCache(ttl time.Duration) *ReplayCache {
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return &ReplayCache{
		ttl:        ttl,
		now:        time.Now,
		evictEvery: defaultEvictEvery,
		inFlight:   make(map[string]string),
		done:       make(map[string]models.IdempotencyRecord),
	}
}

func (c *ReplayCache) Begin(ctx context.Context, key, reqHash string) (*models.IdempotencyRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.done[key]; ok {
		if c.now().Before(rec.ExpiresAt) {
			if rec.RequestHash != reqHash {
				return nil, ErrIdempotencyMismatch
			}
			return &rec, nil
		}
		delete(c.done, key)
	}
	if hash, ok := c.inFlight[key]; ok {
		if hash != reqHash {
			return nil, ErrIdempotencyMismatch
		}
		return nil, ErrIdempotencyConflict
	}
	c.inFlight[key] = reqHash
	return nil, nil
}

func (c *ReplayCache) Complete(ctx context.Context, key, reqHash string, status int, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	c.done[key] = models.IdempotencyRecord{
		Key:            key,
		RequestHash:    reqHash,
		ResponseStatus: status,
		ResponseBody:   body,
		ExpiresAt:      c.now().Add(c.ttl),
	}

	// Expired records are also dropped lazily by Begin.
	c.completions++
	if c.completions >= c.evictEvery {
		c.completions = 0
		c.evictLocked()
	}
	return nil
}

func (c *ReplayCache) Release(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, key)
	return nil
}

func (c *ReplayCache) evictLocked() {
	now := c.now()
	for k, rec := range c.done {
		if !now.Before(rec.ExpiresAt) {
			delete(c.done, k)
		}
	}
}
