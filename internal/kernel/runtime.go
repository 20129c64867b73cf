package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"otogi-markov/pkg/otogi"
)

// moduleRecord is the kernel's bookkeeping for one registered module.
type moduleRecord struct {
	name          string
	module        otogi.Module
	capabilities  []otogi.Capability
	subMu         sync.Mutex
	subscriptions []otogi.Subscription
}

func (m *moduleRecord) addSubscription(subscription otogi.Subscription) {
	m.subMu.Lock()
	m.subscriptions = append(m.subscriptions, subscription)
	m.subMu.Unlock()
}

// closeSubscriptions closes and forgets every subscription, newest first.
// Calling it again is a no-op.
func (m *moduleRecord) closeSubscriptions(ctx context.Context) error {
	m.subMu.Lock()
	subscriptions := m.subscriptions
	m.subscriptions = nil
	m.subMu.Unlock()

	var closeErrs []error
	for _, subscription := range slices.Backward(subscriptions) {
		if err := subscription.Close(ctx); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("close subscription %s: %w", subscription.Name(), err))
		}
	}

	return errors.Join(closeErrs...)
}

// moduleRuntime is what a module sees of the kernel. Subscriptions must be
// covered by a declared capability, and shared services are scoped to the
// module: loggers carry its name and replies default to its routed sink.
type moduleRuntime struct {
	moduleName    string
	serviceLookup otogi.ServiceRegistry
	bus           otogi.EventBus
	record        *moduleRecord
	defaultSink   *otogi.EventSink
}

// Services returns the module-scoped view of the service registry.
func (r *moduleRuntime) Services() otogi.ServiceRegistry {
	return moduleServiceRegistry{
		base:        r.serviceLookup,
		moduleName:  r.moduleName,
		defaultSink: cloneSinkRef(r.defaultSink),
	}
}

// Subscribe registers a module-owned subscription after capability checks.
func (r *moduleRuntime) Subscribe(
	ctx context.Context,
	interest otogi.InterestSet,
	spec otogi.SubscriptionSpec,
	handler otogi.EventHandler,
) (otogi.Subscription, error) {
	if spec.Name == "" {
		spec.Name = r.moduleName + "-subscription"
	}
	if !capabilitiesAllow(r.record.capabilities, interest) {
		return nil, fmt.Errorf(
			"module %s subscribe %s: interest not covered by a declared capability",
			r.moduleName,
			spec.Name,
		)
	}

	subscription, err := r.bus.Subscribe(ctx, interest, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("module %s subscribe %s: %w", r.moduleName, spec.Name, err)
	}
	r.record.addSubscription(subscription)

	return subscription, nil
}

func capabilitiesAllow(capabilities []otogi.Capability, interest otogi.InterestSet) bool {
	return slices.ContainsFunc(capabilities, func(capability otogi.Capability) bool {
		return capability.Interest.Allows(interest)
	})
}

type moduleServiceRegistry struct {
	base        otogi.ServiceRegistry
	moduleName  string
	defaultSink *otogi.EventSink
}

func (r moduleServiceRegistry) Register(name string, service any) error {
	if err := r.base.Register(name, service); err != nil {
		return fmt.Errorf("module %s register service %s: %w", r.moduleName, name, err)
	}

	return nil
}

func (r moduleServiceRegistry) Resolve(name string) (any, error) {
	service, err := r.base.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("module %s resolve service %s: %w", r.moduleName, name, err)
	}

	switch name {
	case otogi.ServiceLogger:
		logger, ok := service.(*slog.Logger)
		if !ok {
			return nil, fmt.Errorf("module %s resolve service %s: not a *slog.Logger", r.moduleName, name)
		}
		return logger.With("module", r.moduleName), nil
	case otogi.ServiceSinkDispatcher:
		dispatcher, ok := service.(otogi.SinkDispatcher)
		if !ok {
			return nil, fmt.Errorf("module %s resolve service %s: not a sink dispatcher", r.moduleName, name)
		}
		return moduleSinkDispatcher{base: dispatcher, defaultSink: cloneSinkRef(r.defaultSink)}, nil
	default:
		return service, nil
	}
}

// moduleSinkDispatcher fills in the module's routed sink when a request
// leaves it empty.
type moduleSinkDispatcher struct {
	base        otogi.SinkDispatcher
	defaultSink *otogi.EventSink
}

func (d moduleSinkDispatcher) SendMessage(
	ctx context.Context,
	request otogi.SendMessageRequest,
) (*otogi.OutboundMessage, error) {
	if request.Target.Sink == nil {
		request.Target.Sink = cloneSinkRef(d.defaultSink)
	}

	message, err := d.base.SendMessage(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("send message with module sink routing: %w", err)
	}

	return message, nil
}

func cloneSinkRef(sink *otogi.EventSink) *otogi.EventSink {
	if sink == nil {
		return nil
	}
	cloned := *sink

	return &cloned
}
