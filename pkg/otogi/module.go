package otogi

import "context"

// EventHandler processes a single neutral event.
type EventHandler func(ctx context.Context, event *Event) error

// EventDispatcher accepts neutral events published by drivers.
type EventDispatcher interface {
	// Publish submits an event to downstream subscribers.
	Publish(ctx context.Context, event *Event) error
}

// ModuleRuntime provides kernel facilities to modules during registration.
type ModuleRuntime interface {
	// Services exposes the service registry for dependency lookup.
	Services() ServiceRegistry
	// Subscribe registers an asynchronous handler owned by the module.
	//
	// interest must be covered by one of the module's declared capabilities.
	Subscribe(
		ctx context.Context,
		interest InterestSet,
		spec SubscriptionSpec,
		handler EventHandler,
	) (Subscription, error)
}

// ModuleHandler binds one declared capability to one subscription handler.
type ModuleHandler struct {
	// Capability declares what this handler consumes and which services it needs.
	Capability Capability
	// Subscription configures queueing for the handler.
	Subscription SubscriptionSpec
	// Handler processes matching events.
	Handler EventHandler
}

// ModuleSpec is the declarative registration surface of a module.
type ModuleSpec struct {
	// Handlers are subscribed by the kernel after OnRegister succeeds.
	Handlers []ModuleHandler
	// AdditionalCapabilities declares capabilities not tied to a handler.
	AdditionalCapabilities []Capability
	// Commands registers command names routed to this module.
	Commands []CommandSpec
}

// Capabilities flattens every capability declared by the spec.
func (s ModuleSpec) Capabilities() []Capability {
	capabilities := make([]Capability, 0, len(s.Handlers)+len(s.AdditionalCapabilities))
	for _, handler := range s.Handlers {
		capabilities = append(capabilities, handler.Capability)
	}
	capabilities = append(capabilities, s.AdditionalCapabilities...)

	return capabilities
}

// Module is a lifecycle-aware plugin contract.
//
// Handlers can run on multiple workers, so implementations must be
// concurrency-safe.
type Module interface {
	// Name returns a stable module identifier.
	Name() string
	// Spec returns declarative handler and command metadata.
	Spec() ModuleSpec
	// OnStart is called when the kernel begins runtime execution.
	OnStart(ctx context.Context) error
	// OnShutdown is called during orderly shutdown.
	OnShutdown(ctx context.Context) error
}

// ModuleRegistrar is implemented by modules that resolve services at registration.
type ModuleRegistrar interface {
	// OnRegister is called once before declared handlers are subscribed.
	OnRegister(ctx context.Context, runtime ModuleRuntime) error
}

// Driver adapts external platforms into neutral events.
type Driver interface {
	// Name returns a stable driver identifier.
	Name() string
	// Start consumes external updates and publishes neutral events.
	// It returns only after context cancellation or a fatal error.
	Start(ctx context.Context, dispatcher EventDispatcher) error
	// Shutdown stops resources that are not tied to the Start context.
	Shutdown(ctx context.Context) error
}
