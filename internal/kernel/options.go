package kernel

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/metric"

	"otogi-markov/pkg/otogi"
)

// Defaults used when no Option overrides them. Handler timeouts are generous
// because a /speak can block on a blob store load.
const (
	defaultModuleHookTimeout  = 5 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 1
	defaultHandlerTimeout     = 30 * time.Second
)

type config struct {
	moduleHookTimeout  time.Duration
	shutdownTimeout    time.Duration
	handlerTimeout     time.Duration
	subscriptionBuffer int
	subscriptionWorker int

	logger        *slog.Logger
	onAsyncError  func(ctx context.Context, scope string, err error)
	meterProvider metric.MeterProvider
	routing       routingConfig
}

// ModuleRoute limits which sources reach a module and names the sink its
// replies go to when a request does not pick one.
type ModuleRoute struct {
	Sources []otogi.EventSource
	Sink    *otogi.EventSink
}

func (r ModuleRoute) clone() ModuleRoute {
	return ModuleRoute{Sources: slices.Clone(r.Sources), Sink: cloneSinkRef(r.Sink)}
}

type routingConfig struct {
	defaultRoute *ModuleRoute
	moduleRoutes map[string]ModuleRoute
}

// Option configures New.
type Option func(*config)

func defaultConfig() config {
	cfg := config{
		moduleHookTimeout:  defaultModuleHookTimeout,
		shutdownTimeout:    defaultShutdownTimeout,
		handlerTimeout:     defaultHandlerTimeout,
		subscriptionBuffer: defaultSubscriptionBuffer,
		subscriptionWorker: defaultSubscriptionWorker,
		routing:            routingConfig{moduleRoutes: map[string]ModuleRoute{}},
	}
	cfg.useLogger(slog.Default())

	return cfg
}

// useLogger routes async errors to logger. Panics keep their stack.
func (cfg *config) useLogger(logger *slog.Logger) {
	cfg.logger = logger
	cfg.onAsyncError = func(ctx context.Context, scope string, err error) {
		attrs := []any{"scope", scope, "error", err}
		var panicErr *PanicError
		if errors.As(err, &panicErr) {
			attrs = append(attrs, "stack", string(panicErr.Stack))
		}
		logger.ErrorContext(ctx, "otogi async error", attrs...)
	}
}

// overridePositive ignores zero and negative values so callers can pass
// unset config fields straight through.
func overridePositive[T int | time.Duration](target *T, value T) {
	if value > 0 {
		*target = value
	}
}

// WithModuleHookTimeout bounds each OnRegister, OnStart and OnShutdown call.
func WithModuleHookTimeout(timeout time.Duration) Option {
	return func(cfg *config) { overridePositive(&cfg.moduleHookTimeout, timeout) }
}

// WithShutdownTimeout bounds the whole kernel shutdown sequence.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(cfg *config) { overridePositive(&cfg.shutdownTimeout, timeout) }
}

// WithDefaultSubscriptionBuffer sets the queued event budget per subscription.
func WithDefaultSubscriptionBuffer(size int) Option {
	return func(cfg *config) { overridePositive(&cfg.subscriptionBuffer, size) }
}

// WithDefaultSubscriptionWorkers sets how many conversation lanes a
// subscription spreads events over.
func WithDefaultSubscriptionWorkers(workers int) Option {
	return func(cfg *config) { overridePositive(&cfg.subscriptionWorker, workers) }
}

// WithDefaultHandlerTimeout bounds one handler call.
func WithDefaultHandlerTimeout(timeout time.Duration) Option {
	return func(cfg *config) { overridePositive(&cfg.handlerTimeout, timeout) }
}

// WithLogger sets the kernel logger. Async errors are logged through it.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.useLogger(logger)
		}
	}
}

// WithAsyncErrorHandler replaces the async error sink.
func WithAsyncErrorHandler(handler func(ctx context.Context, scope string, err error)) Option {
	return func(cfg *config) {
		if handler != nil {
			cfg.onAsyncError = handler
		}
	}
}

// WithMeterProvider records event bus instruments through provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(cfg *config) { cfg.meterProvider = provider }
}

// WithModuleRouting sets the default route and per-module overrides.
func WithModuleRouting(defaultRoute *ModuleRoute, routes map[string]ModuleRoute) Option {
	return func(cfg *config) {
		cfg.routing.defaultRoute = nil
		if defaultRoute != nil {
			route := defaultRoute.clone()
			cfg.routing.defaultRoute = &route
		}
		cfg.routing.moduleRoutes = maps.Clone(routes)
		if cfg.routing.moduleRoutes == nil {
			cfg.routing.moduleRoutes = map[string]ModuleRoute{}
		}
		for name, route := range cfg.routing.moduleRoutes {
			cfg.routing.moduleRoutes[name] = route.clone()
		}
	}
}
