package otogi

import "fmt"

// ServiceLogger is the service registry key for the shared *slog.Logger.
const ServiceLogger = "otogi.logger"

// ServiceRegistry is the name-keyed singleton store shared by modules and
// drivers. Names are registered once.
type ServiceRegistry interface {
	Register(name string, service any) error
	Resolve(name string) (any, error)
}

// ResolveAs looks name up and asserts it to T. A lookup miss keeps
// ErrServiceNotFound in the chain.
func ResolveAs[T any](registry ServiceRegistry, name string) (T, error) {
	var typed T
	if registry == nil {
		return typed, fmt.Errorf("resolve %s: nil registry", name)
	}

	service, err := registry.Resolve(name)
	if err != nil {
		return typed, fmt.Errorf("resolve %s: %w", name, err)
	}
	typed, ok := service.(T)
	if !ok {
		return typed, fmt.Errorf("resolve %s: unexpected service type %T", name, service)
	}

	return typed, nil
}
