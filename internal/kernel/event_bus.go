package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"otogi-markov/pkg/otogi"
)

const busMeterName = "otogi-markov/internal/kernel"

// BusOption tunes optional event bus behavior.
type BusOption func(*EventBus)

// WithBusMeter records delivery, drop and handler instruments through meter.
func WithBusMeter(meter metric.Meter) BusOption {
	return func(bus *EventBus) {
		if meter != nil {
			bus.meter = meter
		}
	}
}

// EventBus fans events out to subscriptions. Each subscription splits its
// queue into lanes keyed by conversation so that events from one chat are
// handled in publish order while different chats proceed in parallel.
type EventBus struct {
	mu                    sync.RWMutex
	nextID                int64
	closed                bool
	subscriptions         map[int64]*busSubscription
	defaultBuffer         int
	defaultWorkers        int
	defaultHandlerTimeout time.Duration
	onAsyncError          func(context.Context, string, error)
	meter                 metric.Meter
	metrics               *busMetrics
}

// NewEventBus creates a bus whose subscriptions default to defaultWorkers
// lanes sharing defaultBuffer queued events.
func NewEventBus(
	defaultBuffer int,
	defaultWorkers int,
	defaultHandlerTimeout time.Duration,
	onAsyncError func(context.Context, string, error),
	options ...BusOption,
) *EventBus {
	bus := &EventBus{
		subscriptions:         make(map[int64]*busSubscription),
		defaultBuffer:         defaultBuffer,
		defaultWorkers:        defaultWorkers,
		defaultHandlerTimeout: defaultHandlerTimeout,
		onAsyncError:          onAsyncError,
		meter:                 noop.NewMeterProvider().Meter(busMeterName),
	}
	for _, option := range options {
		option(bus)
	}

	metrics, err := newBusMetrics(bus.meter)
	if err != nil {
		bus.reportAsyncError(context.Background(), "event bus metrics", err)
		metrics, _ = newBusMetrics(noop.NewMeterProvider().Meter(busMeterName))
	}
	bus.metrics = metrics

	return bus
}

// Publish validates event and offers it to every matching subscription.
// Drops and closed subscriptions are reported asynchronously. Only blocking
// enqueue failures are returned.
func (b *EventBus) Publish(ctx context.Context, event *otogi.Event) error {
	if event == nil {
		return fmt.Errorf("publish event: %w", otogi.ErrInvalidEvent)
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish event %s: %w", event.Kind, err)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("publish event %s: bus closed", event.Kind)
	}
	targets := make([]*busSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		if sub.interest.Matches(event) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	var failures []error
	for _, sub := range targets {
		err := sub.offer(ctx, event)
		switch {
		case err == nil:
			b.metrics.delivered.Add(ctx, 1, sub.attrs)
		case errors.Is(err, otogi.ErrEventDropped), errors.Is(err, otogi.ErrSubscriptionClosed):
			b.metrics.dropped.Add(ctx, 1, sub.attrs)
			b.reportAsyncError(ctx, sub.spec.Name, err)
		default:
			failures = append(failures, err)
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("publish event %s: %w", event.Kind, errors.Join(failures...))
	}

	return nil
}

// Subscribe registers handler and starts one worker per lane immediately.
func (b *EventBus) Subscribe(
	ctx context.Context,
	interest otogi.InterestSet,
	spec otogi.SubscriptionSpec,
	handler otogi.EventHandler,
) (otogi.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", spec.Name)
	}

	id := atomic.AddInt64(&b.nextID, 1)
	spec = b.withDefaults(spec, id)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("subscribe %s: bus closed", spec.Name)
	}
	sub := newBusSubscription(id, interest, spec, handler, b)
	b.subscriptions[id] = sub

	return sub, nil
}

// Close stops every subscription, waiting for in-flight handlers until ctx
// expires. Later publishes and subscribes fail.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*busSubscription, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, sub)
	}
	clear(b.subscriptions)
	b.mu.Unlock()

	var closeErrs []error
	for _, sub := range subs {
		if err := sub.stop(ctx); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	if len(closeErrs) > 0 {
		return fmt.Errorf("close event bus: %w", errors.Join(closeErrs...))
	}

	return nil
}

func (b *EventBus) withDefaults(spec otogi.SubscriptionSpec, id int64) otogi.SubscriptionSpec {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", id)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.defaultBuffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.defaultWorkers
	}
	if spec.Workers <= 0 {
		spec.Workers = 1
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.defaultHandlerTimeout
	}
	if spec.Backpressure == "" {
		spec.Backpressure = otogi.BackpressureDropNewest
	}

	return spec
}

func (b *EventBus) unsubscribe(ctx context.Context, id int64) error {
	b.mu.Lock()
	sub, found := b.subscriptions[id]
	delete(b.subscriptions, id)
	b.mu.Unlock()

	if !found {
		return nil
	}
	if err := sub.stop(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.spec.Name, err)
	}

	return nil
}

func (b *EventBus) reportAsyncError(ctx context.Context, scope string, err error) {
	if b.onAsyncError != nil {
		b.onAsyncError(ctx, scope, err)
	}
}

type busMetrics struct {
	delivered       metric.Int64Counter
	dropped         metric.Int64Counter
	handlerFailures metric.Int64Counter
	handlerDuration metric.Float64Histogram
}

func newBusMetrics(meter metric.Meter) (*busMetrics, error) {
	delivered, err := meter.Int64Counter("otogi.bus.delivered",
		metric.WithDescription("Events queued for a subscription"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("create delivered counter: %w", err)
	}
	dropped, err := meter.Int64Counter("otogi.bus.dropped",
		metric.WithDescription("Events discarded by backpressure or a closed subscription"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, fmt.Errorf("create dropped counter: %w", err)
	}
	failures, err := meter.Int64Counter("otogi.bus.handler_failures",
		metric.WithDescription("Handler calls that returned an error or panicked"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, fmt.Errorf("create handler failure counter: %w", err)
	}
	duration, err := meter.Float64Histogram("otogi.bus.handler_duration",
		metric.WithDescription("Handler call latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create handler duration histogram: %w", err)
	}

	return &busMetrics{
		delivered:       delivered,
		dropped:         dropped,
		handlerFailures: failures,
		handlerDuration: duration,
	}, nil
}

// busSubscription owns the lanes and workers of one subscriber. Lanes are
// never closed; workers exit when ctx is canceled.
type busSubscription struct {
	id       int64
	interest otogi.InterestSet
	spec     otogi.SubscriptionSpec
	handler  otogi.EventHandler
	attrs    metric.MeasurementOption
	lanes    []chan *otogi.Event
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	closed   atomic.Bool
	bus      *EventBus
}

func newBusSubscription(
	id int64,
	interest otogi.InterestSet,
	spec otogi.SubscriptionSpec,
	handler otogi.EventHandler,
	bus *EventBus,
) *busSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &busSubscription{
		id:       id,
		interest: cloneInterestSet(interest),
		spec:     spec,
		handler:  handler,
		attrs:    metric.WithAttributes(attribute.String("subscription", spec.Name)),
		lanes:    make([]chan *otogi.Event, spec.Workers),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		bus:      bus,
	}

	capacity := laneCapacity(spec.Buffer, spec.Workers)
	var workers sync.WaitGroup
	for lane := range sub.lanes {
		sub.lanes[lane] = make(chan *otogi.Event, capacity)
		workers.Go(func() {
			sub.drain(lane)
		})
	}
	go func() {
		workers.Wait()
		close(sub.done)
	}()

	return sub
}

// laneCapacity spreads buffer over lanes, rounding up so no lane is unbuffered.
func laneCapacity(buffer int, lanes int) int {
	if buffer <= 0 {
		return 1
	}

	return (buffer + lanes - 1) / lanes
}

// laneKey groups events that must be handled in order.
func laneKey(event *otogi.Event) string {
	return event.Source.ID + "/" + event.Conversation.ID
}

func (s *busSubscription) laneFor(event *otogi.Event) chan *otogi.Event {
	if len(s.lanes) == 1 {
		return s.lanes[0]
	}

	return s.lanes[xxhash.Sum64String(laneKey(event))%uint64(len(s.lanes))]
}

func cloneInterestSet(interest otogi.InterestSet) otogi.InterestSet {
	cloned := interest
	cloned.Kinds = append([]otogi.EventKind(nil), interest.Kinds...)
	cloned.Sources = append([]otogi.EventSource(nil), interest.Sources...)
	cloned.CommandNames = append([]string(nil), interest.CommandNames...)

	return cloned
}

// Name returns the stable subscription name.
func (s *busSubscription) Name() string {
	return s.spec.Name
}

// Close unregisters this subscription from its parent bus.
func (s *busSubscription) Close(ctx context.Context) error {
	return s.bus.unsubscribe(ctx, s.id)
}

// offer queues event on its lane according to the backpressure policy.
func (s *busSubscription) offer(ctx context.Context, event *otogi.Event) error {
	if s.closed.Load() {
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, otogi.ErrSubscriptionClosed)
	}

	lane := s.laneFor(event)
	switch s.spec.Backpressure {
	case otogi.BackpressureDropNewest:
		select {
		case lane <- event:
			return nil
		default:
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, otogi.ErrEventDropped)
		}
	case otogi.BackpressureDropOldest:
		for range 2 {
			select {
			case lane <- event:
				return nil
			default:
			}
			select {
			case <-lane:
				s.bus.metrics.dropped.Add(ctx, 1, s.attrs)
			default:
			}
		}
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, otogi.ErrEventDropped)
	case otogi.BackpressureBlock:
		select {
		case lane <- event:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
		case <-s.ctx.Done():
			return fmt.Errorf("enqueue %s: %w", s.spec.Name, otogi.ErrSubscriptionClosed)
		}
	default:
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, otogi.ErrInvalidSubscription)
	}
}

// drain handles events from one lane sequentially until the subscription stops.
func (s *busSubscription) drain(lane int) {
	queue := s.lanes[lane]
	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-queue:
			if err := s.handle(lane, event); err != nil {
				s.bus.reportAsyncError(s.ctx, s.spec.Name, err)
			}
		}
	}
}

func (s *busSubscription) handle(lane int, event *otogi.Event) error {
	ctx := s.ctx
	if s.spec.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.spec.HandlerTimeout)
		defer cancel()
	}

	started := time.Now()
	scope := fmt.Sprintf("subscription %s lane %d", s.spec.Name, lane)
	err := runSafely(scope, func() error {
		return s.handler(ctx, event)
	})
	s.bus.metrics.handlerDuration.Record(s.ctx, time.Since(started).Seconds(), s.attrs)
	if err != nil {
		s.bus.metrics.handlerFailures.Add(s.ctx, 1, s.attrs)
		return fmt.Errorf("handle event %s: %w", event.Kind, err)
	}

	return nil
}

// stop cancels the workers and waits for them to exit or for ctx to expire.
func (s *busSubscription) stop(ctx context.Context) error {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown subscription %s: %w", s.spec.Name, ctx.Err())
	}
}
