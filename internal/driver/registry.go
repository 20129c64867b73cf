// Package driver builds the platform drivers listed in configuration and
// routes outbound operations back to them.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"otogi-markov/pkg/otogi"
)

// Definition is one drivers[] entry from the config file.
type Definition struct {
	Name    string
	Type    string
	Enabled bool
	// Config is the raw JSON handed to the type's builder.
	Config []byte
}

// Runtime is everything one driver instance contributes to the kernel.
// SinkDispatcher and MemberDirectory are optional.
type Runtime struct {
	Source          otogi.EventSource
	Driver          otogi.Driver
	SinkDispatcher  otogi.SinkDispatcher
	MemberDirectory otogi.MemberDirectory
}

// BuilderFunc constructs a Runtime for one definition.
type BuilderFunc func(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error)

// Descriptor registers a driver type.
type Descriptor struct {
	Type     string
	Platform otogi.Platform
	Builder  BuilderFunc
}

// Registry resolves driver types to builders. It is immutable once built.
type Registry struct {
	descriptors map[string]Descriptor
}

// NewRegistry validates descriptors and indexes them by type.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	indexed := make(map[string]Descriptor, len(descriptors))
	for position, descriptor := range descriptors {
		var problem string
		switch {
		case descriptor.Type == "":
			problem = "empty type"
		case descriptor.Platform == "":
			problem = "empty platform"
		case descriptor.Builder == nil:
			problem = "nil builder"
		}
		if _, taken := indexed[descriptor.Type]; problem == "" && taken {
			problem = "duplicate type"
		}
		if problem != "" {
			return nil, fmt.Errorf("new driver registry: descriptor %d (%q): %s", position, descriptor.Type, problem)
		}
		indexed[descriptor.Type] = descriptor
	}

	return &Registry{descriptors: indexed}, nil
}

// Types lists the registered driver types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	return slices.Sorted(maps.Keys(r.descriptors))
}

// PlatformForType reports the platform a driver type publishes as.
func (r *Registry) PlatformForType(driverType string) (otogi.Platform, error) {
	if r == nil {
		return "", errors.New("platform for type: nil registry")
	}
	descriptor, ok := r.descriptors[driverType]
	if !ok {
		return "", fmt.Errorf("unsupported type %s", driverType)
	}

	return descriptor.Platform, nil
}

// BuildEnabled builds every enabled definition in order. A runtime whose
// source id is left empty takes the definition name.
func (r *Registry) BuildEnabled(ctx context.Context, definitions []Definition, logger *slog.Logger) ([]Runtime, error) {
	if r == nil {
		return nil, errors.New("build drivers: nil registry")
	}

	var runtimes []Runtime
	names := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		runtime, err := r.build(ctx, definition, names, logger)
		if err != nil {
			return nil, fmt.Errorf("build driver %q: %w", definition.Name, err)
		}
		runtimes = append(runtimes, runtime)
	}

	return runtimes, nil
}

func (r *Registry) build(
	ctx context.Context,
	definition Definition,
	names map[string]struct{},
	logger *slog.Logger,
) (Runtime, error) {
	if definition.Name == "" {
		return Runtime{}, errors.New("empty name")
	}
	if _, taken := names[definition.Name]; taken {
		return Runtime{}, errors.New("duplicate name")
	}
	names[definition.Name] = struct{}{}

	descriptor, ok := r.descriptors[definition.Type]
	if !ok {
		return Runtime{}, fmt.Errorf("unsupported type %q", definition.Type)
	}
	runtime, err := descriptor.Builder(ctx, definition, logger)
	if err != nil {
		return Runtime{}, err
	}
	switch {
	case runtime.Driver == nil:
		return Runtime{}, errors.New("builder returned nil driver")
	case runtime.Source.Platform == "":
		return Runtime{}, errors.New("builder returned no source platform")
	}
	if runtime.Source.ID == "" {
		runtime.Source.ID = definition.Name
	}

	return runtime, nil
}
