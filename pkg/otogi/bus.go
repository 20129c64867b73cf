package otogi

import (
	"context"
	"time"
)

// BackpressurePolicy defines how queues behave when subscriber buffers are full.
type BackpressurePolicy string

const (
	// BackpressureDropNewest drops the incoming event when full.
	BackpressureDropNewest BackpressurePolicy = "drop_newest"
	// BackpressureDropOldest evicts the oldest queued event before enqueue.
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
	// BackpressureBlock blocks until queue space is available or context is canceled.
	BackpressureBlock BackpressurePolicy = "block"
)

// SubscriptionSpec configures a single consumer subscription.
//
// Zero values are replaced by kernel defaults.
type SubscriptionSpec struct {
	Name           string
	Buffer         int
	Workers        int
	HandlerTimeout time.Duration
	Backpressure   BackpressurePolicy
}

// NewDefaultSubscriptionSpec returns a named spec that defers every knob to kernel defaults.
func NewDefaultSubscriptionSpec(name string) SubscriptionSpec {
	return SubscriptionSpec{Name: name}
}

// Subscription controls an active event stream registration.
type Subscription interface {
	// Name returns the subscription identifier.
	Name() string
	// Close stops delivery for this subscription.
	Close(ctx context.Context) error
}

// EventBus is the asynchronous pub/sub contract used by the kernel.
type EventBus interface {
	EventDispatcher
	// Subscribe registers a handler with bounded buffering semantics.
	Subscribe(
		ctx context.Context,
		interest InterestSet,
		spec SubscriptionSpec,
		handler EventHandler,
	) (Subscription, error)
	// Close shuts down the bus and all active subscriptions.
	Close(ctx context.Context) error
}
