package kernel

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"otogi-markov/pkg/otogi"
)

// ServiceRegistry holds named singletons shared with modules. Entries are
// write-once.
type ServiceRegistry struct {
	services sync.Map
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{}
}

// Register stores service under name. Nil values, including typed nil
// pointers, are rejected.
func (r *ServiceRegistry) Register(name string, service any) error {
	switch {
	case name == "":
		return errors.New("register service: empty name")
	case isNilService(service):
		return fmt.Errorf("register service %s: nil service", name)
	}
	if _, loaded := r.services.LoadOrStore(name, service); loaded {
		return fmt.Errorf("register service %s: %w", name, otogi.ErrServiceAlreadyRegistered)
	}

	return nil
}

// Resolve returns the service stored under name.
func (r *ServiceRegistry) Resolve(name string) (any, error) {
	if name == "" {
		return nil, errors.New("resolve service: empty name")
	}
	service, ok := r.services.Load(name)
	if !ok {
		return nil, fmt.Errorf("resolve service %s: %w", name, otogi.ErrServiceNotFound)
	}

	return service, nil
}

func isNilService(service any) bool {
	if service == nil {
		return true
	}
	switch value := reflect.ValueOf(service); value.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return value.IsNil()
	default:
		return false
	}
}
