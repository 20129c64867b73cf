package markov

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"otogi-markov/pkg/markov"
	"otogi-markov/pkg/otogi"
	"otogi-markov/pkg/retry"
)

// maxGenerateAttempts bounds how often a blank generation is retried.
const maxGenerateAttempts = 10

// ErrGenerationExhausted reports that every generation attempt was blank.
var ErrGenerationExhausted = errors.New("markov: generation exhausted")

// entry is one conversation's model and metadata. The cache lock guards it.
type entry struct {
	id         int64
	chain      *markov.Chain
	learning   bool
	lastAccess time.Time
	// blobStale is set when a clear could not delete the stored blob.
	blobStale bool
}

func newEntry(id int64, now time.Time) *entry {
	return &entry{
		id:         id,
		chain:      markov.New(),
		learning:   true,
		lastAccess: now,
	}
}

func blobKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// touch moves lastAccess forward, by at least one nanosecond.
func (e *entry) touch(now time.Time) {
	if !now.After(e.lastAccess) {
		now = e.lastAccess.Add(time.Nanosecond)
	}
	e.lastAccess = now
}

// feed learns every non-blank line of text separately.
func (e *entry) feed(text string, now time.Time) {
	e.touch(now)
	if !e.learning {
		return
	}

	for line := range strings.Lines(text) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		e.chain.Feed(line)
	}
}

// generator produces token sequences from a chain.
type generator interface {
	Generate(chain *markov.Chain) []string
	GenerateFrom(chain *markov.Chain, seed string) []string
}

// randGenerator walks chains with one pseudo-random source.
type randGenerator struct {
	rng *rand.Rand
}

func newRandGenerator(seed uint64) *randGenerator {
	return &randGenerator{rng: rand.New(rand.NewPCG(seed, seed>>1|1))}
}

func (g *randGenerator) Generate(chain *markov.Chain) []string {
	return chain.Generate(g.rng)
}

func (g *randGenerator) GenerateFrom(chain *markov.Chain, seed string) []string {
	return chain.GenerateFrom(g.rng, seed)
}

// generate returns a non-blank phrase, the nothing-learned message for an
// empty model, or ErrGenerationExhausted.
func (e *entry) generate(gen generator, seed string, now time.Time) (string, error) {
	e.touch(now)
	if e.chain.IsEmpty() {
		return messageNothingLearned, nil
	}

	seed = strings.TrimSpace(seed)
	for range maxGenerateAttempts {
		var tokens []string
		if seed != "" {
			tokens = gen.GenerateFrom(e.chain, seed)
		}
		if phrase := joinTokens(tokens); phrase != "" {
			return phrase, nil
		}
		if phrase := joinTokens(gen.Generate(e.chain)); phrase != "" {
			return phrase, nil
		}
	}

	return "", fmt.Errorf("conversation %d: %w after %d attempts", e.id, ErrGenerationExhausted, maxGenerateAttempts)
}

func joinTokens(tokens []string) string {
	return strings.TrimSpace(strings.Join(tokens, " "))
}

func (e *entry) toggleLearning(now time.Time) string {
	e.touch(now)
	e.learning = !e.learning
	if e.learning {
		return messageLearningEnabled
	}

	return messageLearningDisabled
}

// clear resets the model and deletes the stored blob. On delete failure the
// entry remembers that the blob still has to go.
func (e *entry) clear(ctx context.Context, store blobAccess, now time.Time) error {
	e.chain = markov.New()
	e.learning = true
	e.touch(now)

	if err := store.delete(ctx, blobKey(e.id)); err != nil {
		e.blobStale = true
		return fmt.Errorf("clear conversation %d: %w", e.id, err)
	}
	e.blobStale = false

	return nil
}

// persist writes a non-empty model. An empty model is never written; its
// blob is deleted when a previous clear left one behind.
func (e *entry) persist(ctx context.Context, store blobAccess) error {
	key := blobKey(e.id)
	if e.chain.IsEmpty() {
		if !e.blobStale {
			return nil
		}
		if err := store.delete(ctx, key); err != nil {
			return fmt.Errorf("persist conversation %d: delete stale blob: %w", e.id, err)
		}
		e.blobStale = false
		return nil
	}

	data, err := encodePayload(e)
	if err != nil {
		return fmt.Errorf("persist conversation %d: %w", e.id, err)
	}
	if err := store.put(ctx, key, data); err != nil {
		return fmt.Errorf("persist conversation %d: %w", e.id, err)
	}
	e.blobStale = false

	return nil
}

// blobAccess runs every store call through the retry policy.
type blobAccess struct {
	store  otogi.BlobStore
	policy *retry.Policy
}

func (b blobAccess) get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		data  []byte
		found bool
	)
	err := b.policy.DoContext(ctx, func(ctx context.Context) error {
		var getErr error
		data, found, getErr = b.store.Get(ctx, key)
		return getErr
	})
	if err != nil {
		return nil, false, fmt.Errorf("get blob %s: %w", key, err)
	}

	return data, found, nil
}

func (b blobAccess) put(ctx context.Context, key string, data []byte) error {
	err := b.policy.DoContext(ctx, func(ctx context.Context) error {
		return b.store.Put(ctx, key, data)
	})
	if err != nil {
		return fmt.Errorf("put blob %s: %w", key, err)
	}

	return nil
}

func (b blobAccess) delete(ctx context.Context, key string) error {
	err := b.policy.DoContext(ctx, func(ctx context.Context) error {
		return b.store.Delete(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}

	return nil
}
