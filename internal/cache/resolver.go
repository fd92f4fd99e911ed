// SPDX-License-Identifier: MIT

package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/wishreel/wishreel/internal/metrics"
)

// Outcome classifies how a lookup was served.
const (
	OutcomeHit    = "hit"
	OutcomeMiss   = "miss"
	OutcomeBypass = "bypass"
)

// Resolver wraps a Cache with request coalescing: at most one producer runs
// per key, and all concurrent callers share its result. Waiters observe
// their own context cancellation; the producer keeps running on the
// initiator's context.
type Resolver struct {
	cache  Cache
	logger zerolog.Logger
	group  singleflight.Group

	mu          sync.Mutex
	invalidated map[string]struct{}
}

// NewResolver creates a resolver over the given cache.
func NewResolver(c Cache, logger zerolog.Logger) *Resolver {
	return &Resolver{
		cache:       c,
		logger:      logger,
		invalidated: make(map[string]struct{}),
	}
}

// GetOrProduce returns the cached entry for key, or runs produce exactly
// once across concurrent callers and caches its result. ttl <= 0 caches
// without expiry; a produce result is not cached at all when the key was
// invalidated mid-flight. The returned outcome is "hit", "miss", or
// "bypass" (produced but not cached).
func (r *Resolver) GetOrProduce(
	ctx context.Context,
	key string,
	stage string,
	ttl time.Duration,
	produce func(ctx context.Context) (Entry, error),
) (Entry, string, error) {
	if e, ok := r.cache.Get(key); ok {
		metrics.RecordCacheRequest(stage, OutcomeHit)
		return e, OutcomeHit, nil
	}

	type flightResult struct {
		entry  Entry
		stored bool
	}

	ch := r.group.DoChan(key, func() (any, error) {
		r.mu.Lock()
		delete(r.invalidated, key)
		r.mu.Unlock()

		e, err := produce(ctx)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		_, skip := r.invalidated[key]
		delete(r.invalidated, key)
		r.mu.Unlock()

		stored := false
		if !skip {
			switch err := r.cache.Put(key, e, ttl); {
			case err == nil:
				stored = true
			case errors.Is(err, ErrEntryTooLarge):
				r.logger.Debug().Str("key", key).Str("stage", stage).
					Int64("size", e.SizeBytes).Msg("entry exceeds cache budget, not cached")
			default:
				r.logger.Warn().Err(err).Str("key", key).Msg("cache put failed")
			}
		}
		return flightResult{entry: e, stored: stored}, nil
	})

	select {
	case <-ctx.Done():
		metrics.RecordCacheRequest(stage, OutcomeBypass)
		return Entry{}, OutcomeBypass, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			metrics.RecordCacheRequest(stage, "error")
			return Entry{}, OutcomeMiss, res.Err
		}
		fr := res.Val.(flightResult)
		outcome := OutcomeMiss
		if !fr.stored {
			outcome = OutcomeBypass
		}
		metrics.RecordCacheRequest(stage, outcome)
		return fr.entry, outcome, nil
	}
}

// Invalidate removes the key from the cache and, if a producer is in
// flight, marks its result to be returned without being stored.
func (r *Resolver) Invalidate(key string) {
	r.cache.Invalidate(key)
	r.mu.Lock()
	r.invalidated[key] = struct{}{}
	r.mu.Unlock()
}

// Cache exposes the wrapped cache for stats and shutdown.
func (r *Resolver) Cache() Cache { return r.cache }
