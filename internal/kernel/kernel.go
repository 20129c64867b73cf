package kernel

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"otogi-markov/pkg/otogi"
)

// Kernel connects drivers to modules through the event bus. Modules and
// drivers start in registration order and stop in reverse.
type Kernel struct {
	cfg      config
	bus      *EventBus
	services *ServiceRegistry

	mu       sync.RWMutex
	modules  []*moduleRecord
	drivers  []otogi.Driver
	commands map[string]commandRegistration

	running atomic.Bool
}

// New creates a kernel. The command catalog service is always registered.
func New(options ...Option) *Kernel {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	var busOptions []BusOption
	if cfg.meterProvider != nil {
		busOptions = append(busOptions, WithBusMeter(cfg.meterProvider.Meter(busMeterName)))
	}

	k := &Kernel{
		cfg:      cfg,
		bus:      NewEventBus(cfg.subscriptionBuffer, cfg.subscriptionWorker, cfg.handlerTimeout, cfg.onAsyncError, busOptions...),
		services: NewServiceRegistry(),
		commands: make(map[string]commandRegistration),
	}
	if err := k.services.Register(otogi.ServiceCommandCatalog, &kernelCommandCatalog{kernel: k}); err != nil {
		cfg.onAsyncError(context.Background(), "register command catalog service", err)
	}

	return k
}

// EventBus returns the bus drivers publish to.
func (k *Kernel) EventBus() otogi.EventBus {
	return k.bus
}

// Services returns the shared service registry.
func (k *Kernel) Services() otogi.ServiceRegistry {
	return k.services
}

// RegisterService adds a named singleton visible to every module.
func (k *Kernel) RegisterService(name string, service any) error {
	if err := k.services.Register(name, service); err != nil {
		return fmt.Errorf("register service %s: %w", name, err)
	}

	return nil
}

// RegisterModule validates module, claims its commands, calls OnRegister and
// subscribes its handlers. On failure nothing of the module stays behind.
func (k *Kernel) RegisterModule(ctx context.Context, module otogi.Module) error {
	if module == nil {
		return errors.New("register module: nil module")
	}
	name := module.Name()
	if name == "" {
		return errors.New("register module: empty module name")
	}
	spec := module.Spec()
	if err := validateModuleSpec(spec); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}
	record := &moduleRecord{name: name, module: module, capabilities: spec.Capabilities()}
	if err := k.requireServices(record.capabilities); err != nil {
		return fmt.Errorf("register module %s: %w", name, err)
	}

	k.mu.Lock()
	if k.moduleIndex(name) >= 0 {
		k.mu.Unlock()
		return fmt.Errorf("register module %s: %w", name, otogi.ErrModuleAlreadyRegistered)
	}
	k.modules = append(k.modules, record)
	k.mu.Unlock()

	if err := k.bindModule(ctx, record, spec); err != nil {
		k.unregisterModule(ctx, record)
		return fmt.Errorf("register module %s: %w", name, err)
	}
	k.cfg.logger.DebugContext(ctx, "module registered",
		"module", name,
		"handlers", len(spec.Handlers),
		"commands", len(spec.Commands),
	)

	return nil
}

func (k *Kernel) bindModule(ctx context.Context, record *moduleRecord, spec otogi.ModuleSpec) error {
	if err := k.registerModuleCommands(record.name, spec.Commands); err != nil {
		return err
	}

	route := k.moduleRouteFor(record.name)
	runtime := &moduleRuntime{
		moduleName:    record.name,
		serviceLookup: k.services,
		bus:           k.bus,
		record:        record,
		defaultSink:   route.Sink,
	}
	hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
	defer cancel()

	if registrar, ok := record.module.(otogi.ModuleRegistrar); ok {
		if err := runSafely("module "+record.name+" OnRegister", func() error {
			return registrar.OnRegister(hookCtx, runtime)
		}); err != nil {
			return err
		}
	}

	for position, declared := range spec.Handlers {
		subscription := declared.Subscription
		if subscription.Name == "" {
			subscription.Name = fmt.Sprintf("%s-handler-%d", record.name, position+1)
		}
		interest := declared.Capability.Interest
		if len(route.Sources) > 0 {
			interest.Sources = slices.Clone(route.Sources)
		}
		if _, err := runtime.Subscribe(hookCtx, interest, subscription, declared.Handler); err != nil {
			return fmt.Errorf("subscribe %s (capability %s): %w", subscription.Name, declared.Capability.Name, err)
		}
	}

	return nil
}

// unregisterModule undoes a partial registration.
func (k *Kernel) unregisterModule(ctx context.Context, record *moduleRecord) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.moduleHookTimeout)
	defer cancel()

	if err := record.closeSubscriptions(cleanupCtx); err != nil {
		k.cfg.onAsyncError(cleanupCtx, "rollback_module_registration", err)
	}
	k.unregisterModuleCommands(record.name)

	k.mu.Lock()
	k.modules = slices.DeleteFunc(k.modules, func(candidate *moduleRecord) bool { return candidate == record })
	k.mu.Unlock()
}

// RegisterDriver adds a driver. Names must be unique.
func (k *Kernel) RegisterDriver(driver otogi.Driver) error {
	if driver == nil {
		return errors.New("register driver: nil driver")
	}
	name := driver.Name()
	if name == "" {
		return errors.New("register driver: empty name")
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if slices.ContainsFunc(k.drivers, func(existing otogi.Driver) bool { return existing.Name() == name }) {
		return fmt.Errorf("register driver %s: %w", name, otogi.ErrDriverAlreadyRegistered)
	}
	k.drivers = append(k.drivers, driver)

	return nil
}

// Run starts every module, then every driver, and blocks until ctx ends,
// all drivers return or one of them fails. Everything is shut down before
// Run returns, including after a failed module start.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.running.CompareAndSwap(false, true) {
		return errors.New("kernel run: already running")
	}
	defer k.running.Store(false)

	if err := k.startModules(ctx); err != nil {
		return errors.Join(err, k.shutdownAll(ctx))
	}

	return errors.Join(k.superviseDrivers(ctx), k.shutdownAll(ctx))
}

func (k *Kernel) startModules(ctx context.Context) error {
	for _, record := range k.moduleSnapshot() {
		hookCtx, cancel := context.WithTimeout(ctx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnStart", func() error {
			return record.module.OnStart(hookCtx)
		})
		cancel()
		if err != nil {
			return fmt.Errorf("start module %s: %w", record.name, err)
		}
	}

	return nil
}

// superviseDrivers runs all drivers in one errgroup; the first fatal error
// cancels the rest. Once ctx ends drivers get the shutdown timeout to return.
func (k *Kernel) superviseDrivers(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	dispatcher := k.newDriverDispatcher()
	for _, driver := range k.driverSnapshot() {
		group.Go(func() error {
			name := driver.Name()
			err := runSafely("driver "+name+" Start", func() error {
				return driver.Start(groupCtx, dispatcher)
			})
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("run driver %s: %w", name, err)
		})
	}

	finished := make(chan error, 1)
	go func() { finished <- group.Wait() }()

	select {
	case err := <-finished:
		return err
	case <-ctx.Done():
	}

	grace := time.NewTimer(k.cfg.shutdownTimeout)
	defer grace.Stop()
	select {
	case err := <-finished:
		return err
	case <-grace.C:
		k.cfg.logger.Warn("drivers still running after shutdown timeout", "timeout", k.cfg.shutdownTimeout)
		return nil
	}
}

// shutdownAll stops drivers, then modules, then the bus. It detaches from ctx
// so cleanup still happens after cancellation.
func (k *Kernel) shutdownAll(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), k.cfg.shutdownTimeout)
	defer cancel()

	var failures []error
	for _, driver := range slices.Backward(k.driverSnapshot()) {
		name := driver.Name()
		if err := runSafely("driver "+name+" Shutdown", func() error {
			return driver.Shutdown(shutdownCtx)
		}); err != nil {
			failures = append(failures, fmt.Errorf("shutdown driver %s: %w", name, err))
		}
	}
	// Subscriptions close before OnShutdown so in-flight handlers finish
	// before a module persists its state.
	for _, record := range slices.Backward(k.moduleSnapshot()) {
		if err := record.closeSubscriptions(shutdownCtx); err != nil {
			failures = append(failures, fmt.Errorf("shutdown module %s subscriptions: %w", record.name, err))
		}
		hookCtx, hookCancel := context.WithTimeout(shutdownCtx, k.cfg.moduleHookTimeout)
		err := runSafely("module "+record.name+" OnShutdown", func() error {
			return record.module.OnShutdown(hookCtx)
		})
		hookCancel()
		if err != nil {
			failures = append(failures, fmt.Errorf("shutdown module %s: %w", record.name, err))
		}
	}
	if err := k.bus.Close(shutdownCtx); err != nil {
		failures = append(failures, err)
	}

	if err := errors.Join(failures...); err != nil {
		return fmt.Errorf("kernel shutdown: %w", err)
	}

	return nil
}

func (k *Kernel) moduleSnapshot() []*moduleRecord {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return slices.Clone(k.modules)
}

func (k *Kernel) driverSnapshot() []otogi.Driver {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return slices.Clone(k.drivers)
}

// moduleIndex must be called with k.mu held.
func (k *Kernel) moduleIndex(name string) int {
	return slices.IndexFunc(k.modules, func(record *moduleRecord) bool { return record.name == name })
}

func (k *Kernel) requireServices(capabilities []otogi.Capability) error {
	for _, capability := range capabilities {
		for _, service := range capability.RequiredServices {
			if _, err := k.services.Resolve(service); err != nil {
				return fmt.Errorf("capability %s requires service %s: %w", capability.Name, service, err)
			}
		}
	}

	return nil
}

func (k *Kernel) moduleRouteFor(moduleName string) ModuleRoute {
	if route, ok := k.cfg.routing.moduleRoutes[moduleName]; ok {
		return route
	}
	if k.cfg.routing.defaultRoute != nil {
		return *k.cfg.routing.defaultRoute
	}

	return ModuleRoute{}
}
