package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

const (
	// TypeMemory keeps blobs in process memory.
	TypeMemory = "memory"
	// TypeBolt keeps blobs in a local bbolt file.
	TypeBolt = "bolt"
	// TypeDrive keeps blobs as files in a Google Drive folder.
	TypeDrive = "drive"
)

// NewBuiltinRegistry constructs the registry with every built-in backend.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type: TypeMemory,
			Builder: func(context.Context, Definition, *slog.Logger) (Store, error) {
				return NewMemory(), nil
			},
		},
		{
			Type: TypeBolt,
			Builder: func(_ context.Context, definition Definition, logger *slog.Logger) (Store, error) {
				var cfg BoltConfig
				if err := decodeConfig(definition.Config, &cfg); err != nil {
					return nil, err
				}

				return OpenBolt(cfg, WithLogger(logger))
			},
		},
		{
			Type: TypeDrive,
			Builder: func(ctx context.Context, definition Definition, logger *slog.Logger) (Store, error) {
				var cfg DriveConfig
				if err := decodeConfig(definition.Config, &cfg); err != nil {
					return nil, err
				}

				return OpenDrive(ctx, cfg, WithLogger(logger))
			},
		},
	})
}

func decodeConfig(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}

	return nil
}
