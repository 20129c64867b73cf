// Package markov implements an order-1 word Markov chain.
//
// A Chain learns whitespace-separated token sequences and produces new
// sequences by weighted random walks over the observed transitions. Chains
// are not safe for concurrent use.
package markov

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
)

// MaxTokens bounds the number of tokens one walk may emit.
const MaxTokens = 256

// Sentinel keys contain whitespace so they can never collide with a token
// produced by strings.Fields.
const (
	startKey = " start"
	endKey   = " end"
)

// Chain stores transition counts between consecutive tokens.
type Chain struct {
	transitions map[string]*successors
}

// successors keeps tokens in first-seen order so a seeded walk is reproducible.
type successors struct {
	tokens []string
	counts []uint64
	index  map[string]int
	total  uint64
}

// New returns an empty chain.
func New() *Chain {
	return &Chain{transitions: make(map[string]*successors)}
}

// IsEmpty reports whether the chain has learned nothing.
func (c *Chain) IsEmpty() bool {
	return c == nil || len(c.transitions) == 0
}

// Feed learns one line. Blank lines are ignored.
func (c *Chain) Feed(line string) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return
	}
	if c.transitions == nil {
		c.transitions = make(map[string]*successors)
	}

	previous := startKey
	for _, token := range tokens {
		c.record(previous, token, 1)
		previous = token
	}
	c.record(previous, endKey, 1)
}

// Generate walks from the start of a sentence. The result is empty when the
// chain is empty.
func (c *Chain) Generate(r *rand.Rand) []string {
	if c.IsEmpty() {
		return nil
	}

	return c.walk(r, startKey, nil)
}

// GenerateFrom anchors the walk on the last token of seed and returns the seed
// tokens followed by the continuation. A blank seed behaves like Generate. The
// result is empty when the anchor token was never observed.
func (c *Chain) GenerateFrom(r *rand.Rand, seed string) []string {
	tokens := strings.Fields(seed)
	if len(tokens) == 0 {
		return c.Generate(r)
	}
	if c.IsEmpty() {
		return nil
	}

	anchor := tokens[len(tokens)-1]
	if _, ok := c.transitions[anchor]; !ok {
		return nil
	}

	return c.walk(r, anchor, slices.Clone(tokens))
}

func (c *Chain) walk(r *rand.Rand, from string, prefix []string) []string {
	out := prefix
	limit := len(prefix) + MaxTokens
	current := from
	for len(out) < limit {
		next, ok := c.pick(r, current)
		if !ok || next == endKey {
			break
		}
		out = append(out, next)
		current = next
	}

	return out
}

func (c *Chain) pick(r *rand.Rand, from string) (string, bool) {
	next, ok := c.transitions[from]
	if !ok || next.total == 0 {
		return "", false
	}

	roll := r.Uint64N(next.total)
	for i, count := range next.counts {
		if roll < count {
			return next.tokens[i], true
		}
		roll -= count
	}

	return next.tokens[len(next.tokens)-1], true
}

func (c *Chain) record(from string, to string, count uint64) {
	next, ok := c.transitions[from]
	if !ok {
		next = &successors{index: make(map[string]int)}
		c.transitions[from] = next
	}

	i, ok := next.index[to]
	if !ok {
		i = len(next.tokens)
		next.index[to] = i
		next.tokens = append(next.tokens, to)
		next.counts = append(next.counts, 0)
	}
	next.counts[i] += count
	next.total += count
}

type chainJSON struct {
	Transitions map[string]map[string]uint64 `json:"transitions"`
}

// MarshalJSON encodes the transition counts.
func (c *Chain) MarshalJSON() ([]byte, error) {
	payload := chainJSON{Transitions: make(map[string]map[string]uint64, len(c.transitions))}
	for from, next := range c.transitions {
		counts := make(map[string]uint64, len(next.tokens))
		for i, token := range next.tokens {
			counts[token] = next.counts[i]
		}
		payload.Transitions[from] = counts
	}

	return json.Marshal(payload)
}

// UnmarshalJSON replaces the chain with decoded transition counts.
func (c *Chain) UnmarshalJSON(data []byte) error {
	var payload chainJSON
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("unmarshal chain: %w", err)
	}

	c.transitions = make(map[string]*successors, len(payload.Transitions))
	for from, counts := range payload.Transitions {
		if from == endKey {
			return fmt.Errorf("unmarshal chain: end sentinel has successors")
		}
		targets := make([]string, 0, len(counts))
		for to := range counts {
			targets = append(targets, to)
		}
		slices.Sort(targets)
		for _, to := range targets {
			if to == startKey {
				return fmt.Errorf("unmarshal chain: start sentinel used as successor")
			}
			if counts[to] == 0 {
				continue
			}
			c.record(from, to, counts[to])
		}
	}

	return nil
}

// Equal reports whether both chains hold identical transition counts.
func (c *Chain) Equal(other *Chain) bool {
	if c.IsEmpty() || other.IsEmpty() {
		return c.IsEmpty() && other.IsEmpty()
	}
	if len(c.transitions) != len(other.transitions) {
		return false
	}
	for from, next := range c.transitions {
		otherNext, ok := other.transitions[from]
		if !ok || len(otherNext.tokens) != len(next.tokens) || otherNext.total != next.total {
			return false
		}
		for i, token := range next.tokens {
			j, ok := otherNext.index[token]
			if !ok || otherNext.counts[j] != next.counts[i] {
				return false
			}
		}
	}

	return true
}
