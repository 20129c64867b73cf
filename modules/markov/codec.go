package markov

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"otogi-markov/pkg/markov"
)

const (
	payloadVersion byte = 1
	maxPayloadSize      = 64 << 20
)

// ErrCorruptPayload reports a stored blob that cannot be turned back into an entry.
var ErrCorruptPayload = errors.New("markov: corrupt payload")

// EncodeAll and DecodeAll are safe for concurrent use on shared instances.
// Construction only fails for invalid options.
var (
	payloadEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	payloadDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxPayloadSize))
)

type payloadRecord struct {
	Chain        *markov.Chain `json:"chain"`
	ChatID       int64         `json:"chat_id"`
	IsLearning   bool          `json:"is_learning"`
	LastAccessed time.Time     `json:"last_accessed"`
}

// encodePayload serializes e as one version byte followed by zstd-compressed JSON.
func encodePayload(e *entry) ([]byte, error) {
	raw, err := json.Marshal(payloadRecord{
		Chain:        e.chain,
		ChatID:       e.id,
		IsLearning:   e.learning,
		LastAccessed: e.lastAccess.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload %d: %w", e.id, err)
	}

	out := make([]byte, 1, 1+len(raw)/2)
	out[0] = payloadVersion

	return payloadEncoder.EncodeAll(raw, out), nil
}

// decodePayload restores the entry stored under id. Every failure wraps
// ErrCorruptPayload.
func decodePayload(data []byte, id int64) (*entry, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrCorruptPayload)
	}
	if data[0] != payloadVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptPayload, data[0])
	}

	raw, err := payloadDecoder.DecodeAll(data[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %w", ErrCorruptPayload, err)
	}

	var record payloadRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %w", ErrCorruptPayload, err)
	}
	if record.Chain == nil {
		return nil, fmt.Errorf("%w: missing chain", ErrCorruptPayload)
	}
	if record.ChatID != id {
		return nil, fmt.Errorf("%w: chat id %d stored under key %d", ErrCorruptPayload, record.ChatID, id)
	}

	return &entry{
		id:         id,
		chain:      record.Chain,
		learning:   record.IsLearning,
		lastAccess: record.LastAccessed,
	}, nil
}
