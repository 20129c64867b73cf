package markov

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"otogi-markov/pkg/otogi"
	"otogi-markov/pkg/retry"
)

// DefaultIdleThreshold is how long an entry may stay untouched before Prune evicts it.
const DefaultIdleThreshold = 30 * time.Minute

// CacheOption mutates cache construction settings.
type CacheOption func(*Cache)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) CacheOption {
	return func(cache *Cache) {
		if clock != nil {
			cache.now = clock
		}
	}
}

// WithRetryPolicy sets the policy wrapping every blob store call.
func WithRetryPolicy(policy *retry.Policy) CacheOption {
	return func(cache *Cache) {
		if policy != nil {
			cache.blobs.policy = policy
		}
	}
}

// WithCacheIdleThreshold sets the eviction threshold used by Prune.
func WithCacheIdleThreshold(threshold time.Duration) CacheOption {
	return func(cache *Cache) {
		if threshold > 0 {
			cache.idleThreshold = threshold
		}
	}
}

// WithCacheLogger sets the operator logger.
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(cache *Cache) {
		if logger != nil {
			cache.logger = logger
		}
	}
}

// WithMeter records cache metrics on meter instead of a noop meter.
func WithMeter(meter metric.Meter) CacheOption {
	return func(cache *Cache) {
		if meter != nil {
			cache.meter = meter
		}
	}
}

// WithRandomSeed makes generation reproducible.
func WithRandomSeed(seed uint64) CacheOption {
	return func(cache *Cache) {
		cache.gen = newRandGenerator(seed)
	}
}

func withGenerator(gen generator) CacheOption {
	return func(cache *Cache) {
		if gen != nil {
			cache.gen = gen
		}
	}
}

// Cache keeps one Markov model per conversation in memory and persists it to
// a blob store when the entry leaves memory.
//
// One mutex covers lookup, load-on-miss and mutation for every operation, so
// operations never interleave, including across conversations. A slow store
// therefore delays every conversation while one entry loads.
type Cache struct {
	mu      sync.Mutex
	entries map[int64]*entry

	blobs         blobAccess
	now           func() time.Time
	idleThreshold time.Duration
	gen           generator
	logger        *slog.Logger
	meter         metric.Meter
	metrics       *cacheMetrics
}

// NewCache creates an empty cache backed by store.
func NewCache(store otogi.BlobStore, options ...CacheOption) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("new markov cache: nil blob store")
	}

	cache := &Cache{
		entries:       make(map[int64]*entry),
		blobs:         blobAccess{store: store, policy: retry.New()},
		now:           time.Now,
		idleThreshold: DefaultIdleThreshold,
		gen:           newRandGenerator(rand.Uint64()),
		logger:        slog.Default(),
		meter:         noop.NewMeterProvider().Meter(meterName),
	}
	for _, option := range options {
		option(cache)
	}

	metrics, err := newCacheMetrics(cache.meter)
	if err != nil {
		return nil, fmt.Errorf("new markov cache: %w", err)
	}
	cache.metrics = metrics

	return cache, nil
}

// Feed learns text for conversation id. Load failures are logged only.
func (c *Cache) Feed(ctx context.Context, id int64, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.resolve(ctx, id)
	if err != nil {
		c.logger.WarnContext(ctx, "markov feed skipped", "conversation_id", id, "error", err)
		return
	}

	current.feed(text, c.now())
}

// Generate returns a phrase for conversation id, optionally anchored on seed.
func (c *Cache) Generate(ctx context.Context, id int64, seed string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.resolve(ctx, id)
	if err != nil {
		c.logger.ErrorContext(ctx, "markov generate failed", "conversation_id", id, "error", err)
		return messageCommandFailed
	}

	phrase, err := current.generate(c.gen, seed, c.now())
	if err != nil {
		c.metrics.generationExhausted.Add(ctx, 1)
		c.logger.WarnContext(ctx, "markov generate failed", "conversation_id", id, "error", err)
		return messageCommandFailed
	}

	return phrase
}

// ToggleLearning flips whether Feed changes the model of conversation id.
func (c *Cache) ToggleLearning(ctx context.Context, id int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.resolve(ctx, id)
	if err != nil {
		c.logger.ErrorContext(ctx, "markov toggle learning failed", "conversation_id", id, "error", err)
		return messageCommandFailed
	}

	return current.toggleLearning(c.now())
}

// ClearData erases the model of conversation id in memory and in the store.
// Clearing an unknown id succeeds.
func (c *Cache) ClearData(ctx context.Context, id int64) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, resident := c.entries[id]
	if !resident {
		if err := c.blobs.delete(ctx, blobKey(id)); err != nil {
			c.metrics.persistFailures.Add(ctx, 1)
			c.logger.ErrorContext(ctx, "markov clear data failed", "conversation_id", id, "error", err)
			return messageCommandFailed
		}
		return messageDatabaseCleared
	}

	if err := current.clear(ctx, c.blobs, c.now()); err != nil {
		c.metrics.persistFailures.Add(ctx, 1)
		c.logger.ErrorContext(ctx, "markov clear data failed", "conversation_id", id, "error", err)
		return messageCommandFailed
	}
	c.remove(ctx, id)

	return messageDatabaseCleared
}

// Prune persists and evicts every entry idle for longer than the threshold.
// Entries that fail to persist stay resident. It returns the eviction count.
func (c *Cache) Prune(ctx context.Context, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for _, id := range slices.Sorted(maps.Keys(c.entries)) {
		current := c.entries[id]
		if now.Sub(current.lastAccess) <= c.idleThreshold {
			continue
		}
		if err := current.persist(ctx, c.blobs); err != nil {
			c.metrics.persistFailures.Add(ctx, 1)
			c.logger.ErrorContext(ctx, "markov prune kept entry after persist failure", "conversation_id", id, "error", err)
			continue
		}
		c.remove(ctx, id)
		evicted++
	}
	if evicted > 0 {
		c.metrics.evictions.Add(ctx, int64(evicted))
		c.logger.DebugContext(ctx, "markov prune evicted entries", "evicted", evicted, "resident", len(c.entries))
	}

	return evicted
}

// DrainAll persists every resident entry. Entries stay resident.
func (c *Cache) DrainAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var drainErr error
	for _, id := range slices.Sorted(maps.Keys(c.entries)) {
		if err := c.entries[id].persist(ctx, c.blobs); err != nil {
			c.metrics.persistFailures.Add(ctx, 1)
			drainErr = errors.Join(drainErr, err)
		}
	}
	if drainErr != nil {
		return fmt.Errorf("drain markov cache: %w", drainErr)
	}

	return nil
}

// Len returns the number of resident entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Resident reports whether conversation id is held in memory.
func (c *Cache) Resident(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[id]

	return ok
}

// resolve returns the resident entry or loads it. A failed load inserts
// nothing. Callers hold c.mu.
func (c *Cache) resolve(ctx context.Context, id int64) (*entry, error) {
	if current, ok := c.entries[id]; ok {
		return current, nil
	}

	loaded, err := c.load(ctx, id)
	if err != nil {
		c.metrics.loadFailures.Add(ctx, 1)
		return nil, err
	}
	c.entries[id] = loaded
	c.metrics.loads.Add(ctx, 1)
	c.metrics.resident.Add(ctx, 1)

	return loaded, nil
}

func (c *Cache) load(ctx context.Context, id int64) (*entry, error) {
	key := blobKey(id)
	data, found, err := c.blobs.get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load conversation %d: %w", id, err)
	}

	now := c.now()
	if !found {
		return newEntry(id, now), nil
	}

	loaded, err := decodePayload(data, id)
	if err == nil {
		loaded.lastAccess = now
		return loaded, nil
	}

	c.metrics.corruptBlobs.Add(ctx, 1)
	c.logger.WarnContext(ctx, "markov discarding corrupt payload", "conversation_id", id, "error", err)

	fresh := newEntry(id, now)
	if deleteErr := c.blobs.delete(ctx, key); deleteErr != nil {
		c.logger.ErrorContext(ctx, "markov delete corrupt payload failed", "conversation_id", id, "error", deleteErr)
		fresh.blobStale = true
	}

	return fresh, nil
}

func (c *Cache) remove(ctx context.Context, id int64) {
	delete(c.entries, id)
	c.metrics.resident.Add(ctx, -1)
}
