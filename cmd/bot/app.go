package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"otogi-markov/internal/blobstore"
	"otogi-markov/internal/driver"
	"otogi-markov/internal/kernel"
	"otogi-markov/modules/help"
	"otogi-markov/modules/markov"
	"otogi-markov/modules/welcome"
	"otogi-markov/pkg/otogi"
	"otogi-markov/pkg/retry"
)

// run loads configuration, assembles the kernel and blocks until SIGINT or
// SIGTERM. Resources opened here are released in reverse on return.
func run() error {
	drivers, err := driver.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin driver registry: %w", err)
	}
	stores, err := blobstore.NewBuiltinRegistry()
	if err != nil {
		return fmt.Errorf("new builtin blob store registry: %w", err)
	}
	cfg, err := loadConfig(drivers, stores)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.logLevel}))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := buildMetrics(cfg.metrics, logger)
	if err != nil {
		return fmt.Errorf("build metrics: %w", err)
	}
	defer closeWithTimeout(logger, cfg, "metrics shutdown", telemetry.Shutdown)

	store, err := stores.Open(ctx, cfg.blobStore, logger)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer closeWithTimeout(logger, cfg, "blob store close", func(context.Context) error { return store.Close() })

	k, err := assemble(ctx, logger, cfg, drivers, store, telemetry)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "bot starting", "drivers", len(cfg.drivers), "blob_store", cfg.blobStore.Type)

	err = runUntilStopped(ctx, k, telemetry)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run kernel: %w", err)
	}

	return nil
}

func closeWithTimeout(logger *slog.Logger, cfg appConfig, what string, closeFn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
	defer cancel()

	if err := closeFn(ctx); err != nil {
		logger.Error(what+" failed", "error", err)
	}
}

// assemble builds drivers and registers them, the shared services and the
// modules on a fresh kernel.
func assemble(
	ctx context.Context,
	logger *slog.Logger,
	cfg appConfig,
	drivers *driver.Registry,
	store otogi.BlobStore,
	telemetry *metricsRuntime,
) (*kernel.Kernel, error) {
	k := buildKernelRuntime(logger, cfg, telemetry.provider)

	built, err := drivers.BuildEnabled(ctx, cfg.drivers, logger)
	if err != nil {
		return nil, fmt.Errorf("build drivers: %w", err)
	}
	services := runtimeServices{blobStore: store}
	if services.sinkDispatcher, err = driver.NewCompositeSinkDispatcher(built); err != nil {
		return nil, fmt.Errorf("build sink dispatcher: %w", err)
	}
	if services.memberDirectory, err = driver.SelectMemberDirectory(built); err != nil {
		return nil, fmt.Errorf("select member directory: %w", err)
	}

	for _, runtime := range built {
		if err := k.RegisterDriver(runtime.Driver); err != nil {
			return nil, fmt.Errorf("register driver %s: %w", runtime.Driver.Name(), err)
		}
	}
	if err := registerRuntimeServices(k, logger, services); err != nil {
		return nil, err
	}
	for _, module := range buildModules(cfg, telemetry) {
		if err := k.RegisterModule(ctx, module); err != nil {
			return nil, fmt.Errorf("register %s module: %w", module.Name(), err)
		}
	}

	return k, nil
}

// runUntilStopped runs the kernel next to the metrics endpoint, if any.
// Whichever stops first takes the other down with it.
func runUntilStopped(ctx context.Context, k *kernel.Kernel, telemetry *metricsRuntime) error {
	group, groupCtx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(groupCtx)
	defer cancel()

	group.Go(func() error {
		defer cancel()
		return k.Run(runCtx)
	})
	if telemetry.serve != nil {
		group.Go(func() error {
			defer cancel()
			return telemetry.serve(runCtx)
		})
	}

	return group.Wait()
}

func buildKernelRuntime(logger *slog.Logger, cfg appConfig, provider metric.MeterProvider) *kernel.Kernel {
	return kernel.New(
		kernel.WithLogger(logger),
		kernel.WithMeterProvider(provider),
		kernel.WithModuleHookTimeout(cfg.moduleHookTimeout),
		kernel.WithShutdownTimeout(cfg.shutdownTimeout),
		kernel.WithDefaultHandlerTimeout(cfg.handlerTimeout),
		kernel.WithDefaultSubscriptionBuffer(cfg.subscriptionBuffer),
		kernel.WithDefaultSubscriptionWorkers(cfg.subscriptionWorkers),
		kernel.WithModuleRouting(cfg.routingDefault, cfg.moduleRoutes),
	)
}

type runtimeServices struct {
	sinkDispatcher  otogi.SinkDispatcher
	memberDirectory otogi.MemberDirectory
	blobStore       otogi.BlobStore
}

func registerRuntimeServices(k *kernel.Kernel, logger *slog.Logger, services runtimeServices) error {
	switch {
	case services.sinkDispatcher == nil:
		return errors.New("register sink dispatcher service: nil dispatcher")
	case services.blobStore == nil:
		return errors.New("register blob store service: nil store")
	}

	entries := []struct {
		name    string
		service any
	}{
		{otogi.ServiceLogger, logger},
		{otogi.ServiceSinkDispatcher, services.sinkDispatcher},
		{otogi.ServiceBlobStore, services.blobStore},
	}
	// Without a member directory the admin-only commands are denied in groups.
	if services.memberDirectory != nil {
		entries = append(entries, struct {
			name    string
			service any
		}{otogi.ServiceMemberDirectory, services.memberDirectory})
	}
	for _, entry := range entries {
		if err := k.RegisterService(entry.name, entry.service); err != nil {
			return err
		}
	}

	return nil
}

// buildModules returns the modules in runtimeModuleNames order.
func buildModules(cfg appConfig, telemetry *metricsRuntime) []otogi.Module {
	policy := retry.New(
		retry.WithMaxAttempts(cfg.markov.retryMaxAttempts),
		retry.WithBaseDelay(cfg.markov.retryBaseDelay),
		retry.WithScale(cfg.markov.retryScale),
	)

	var helpOptions []help.Option
	if cfg.helpFooter != "" {
		helpOptions = append(helpOptions, help.WithFooter(cfg.helpFooter))
	}

	return []otogi.Module{
		markov.New(
			markov.WithIdleThreshold(cfg.markov.idleThreshold),
			markov.WithPruneInterval(cfg.markov.pruneInterval),
			markov.WithRetry(policy),
			markov.WithMeterProvider(telemetry.provider),
		),
		welcome.New(),
		help.New(helpOptions...),
	}
}
