// Package blobstore builds durable key-addressed blob stores from configuration.
package blobstore

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"otogi-markov/pkg/otogi"
)

// Store is one opened blob store backend.
type Store interface {
	otogi.BlobStore
	// Close releases backend resources.
	Close() error
}

// Definition describes the configured blob store.
type Definition struct {
	// Type selects the backend builder (for example "bolt").
	Type string
	// Config stores backend-specific JSON payload.
	Config []byte
}

// BuilderFunc opens one backend from its definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (Store, error)

// Descriptor binds one backend type token to its builder.
type Descriptor struct {
	Type    string
	Builder BuilderFunc
}

// Registry maps backend types to builders.
type Registry struct {
	builders map[string]BuilderFunc
	types    []string
}

// NewRegistry creates one immutable backend registry from descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	builders := make(map[string]BuilderFunc, len(descriptors))
	types := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Type == "" {
			return nil, fmt.Errorf("new blob store registry: empty descriptor type")
		}
		if descriptor.Builder == nil {
			return nil, fmt.Errorf("new blob store registry type %s: nil builder", descriptor.Type)
		}
		if _, exists := builders[descriptor.Type]; exists {
			return nil, fmt.Errorf("new blob store registry type %s: duplicate", descriptor.Type)
		}

		builders[descriptor.Type] = descriptor.Builder
		types = append(types, descriptor.Type)
	}
	sort.Strings(types)

	return &Registry{builders: builders, types: types}, nil
}

// Types returns registered backend types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	types := make([]string, len(r.types))
	copy(types, r.types)

	return types
}

// Open builds the backend named by definition.Type.
func (r *Registry) Open(ctx context.Context, definition Definition, logger *slog.Logger) (Store, error) {
	if r == nil {
		return nil, fmt.Errorf("open blob store: nil registry")
	}
	if definition.Type == "" {
		return nil, fmt.Errorf("open blob store: empty type")
	}

	builder, exists := r.builders[definition.Type]
	if !exists {
		return nil, fmt.Errorf("open blob store type %s: unsupported type", definition.Type)
	}
	if logger == nil {
		logger = slog.Default()
	}

	store, err := builder(ctx, definition, logger)
	if err != nil {
		return nil, fmt.Errorf("open blob store type %s: %w", definition.Type, err)
	}
	if store == nil {
		return nil, fmt.Errorf("open blob store type %s: builder returned nil store", definition.Type)
	}

	return store, nil
}
