package main

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"otogi-markov/internal/blobstore"
	"otogi-markov/internal/driver"
	"otogi-markov/internal/kernel"
	"otogi-markov/modules/markov"
	"otogi-markov/pkg/otogi"
	"otogi-markov/pkg/retry"
)

const (
	envConfigFile = "OTOGI_CONFIG_FILE"

	defaultModuleHookTimeout  = 3 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
	defaultHandlerTimeout     = 30 * time.Second
	defaultSubscriptionBuffer = 256
	defaultSubscriptionWorker = 2
)

// configSearchPath is tried in order when OTOGI_CONFIG_FILE is unset.
var configSearchPath = []string{"config/bot.json", "bin/config/bot.json"}

// runtimeModuleNames lists every module the binary registers, in order.
var runtimeModuleNames = []string{"markov", "welcome", "help"}

type appConfig struct {
	logLevel slog.Level

	moduleHookTimeout   time.Duration
	shutdownTimeout     time.Duration
	handlerTimeout      time.Duration
	subscriptionBuffer  int
	subscriptionWorkers int

	drivers        []driver.Definition
	routingDefault *kernel.ModuleRoute
	moduleRoutes   map[string]kernel.ModuleRoute

	blobStore  blobstore.Definition
	markov     markovConfig
	helpFooter string
	metrics    metricsConfig
}

type markovConfig struct {
	idleThreshold    time.Duration
	pruneInterval    time.Duration
	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryScale       float64
}

// fileConfig mirrors bot.json. Optional scalars are pointers or strings so
// that absent keys keep their defaults.
type fileConfig struct {
	LogLevel string `json:"log_level"`
	Kernel   struct {
		ModuleHookTimeout   string `json:"module_hook_timeout"`
		ShutdownTimeout     string `json:"shutdown_timeout"`
		HandlerTimeout      string `json:"handler_timeout"`
		SubscriptionBuffer  *int   `json:"subscription_buffer"`
		SubscriptionWorkers *int   `json:"subscription_workers"`
	} `json:"kernel"`
	Drivers []struct {
		Name    string          `json:"name"`
		Type    string          `json:"type"`
		Enabled *bool           `json:"enabled"`
		Config  json.RawMessage `json:"config"`
	} `json:"drivers"`
	Routing struct {
		Default *fileRoute           `json:"default"`
		Modules map[string]fileRoute `json:"modules"`
	} `json:"routing"`
	BlobStore struct {
		Type   string          `json:"type"`
		Config json.RawMessage `json:"config"`
	} `json:"blob_store"`
	Markov struct {
		IdleThreshold string `json:"idle_threshold"`
		PruneInterval string `json:"prune_interval"`
		Retry         struct {
			MaxAttempts *int     `json:"max_attempts"`
			BaseDelay   string   `json:"base_delay"`
			Scale       *float64 `json:"scale"`
		} `json:"retry"`
	} `json:"markov"`
	Help struct {
		Footer string `json:"footer"`
	} `json:"help"`
	Metrics struct {
		Exporter   string `json:"exporter"`
		ListenAddr string `json:"listen_addr"`
	} `json:"metrics"`
}

type fileRoute struct {
	Sources []fileEndpoint `json:"sources"`
	Sink    *fileEndpoint  `json:"sink"`
}

type fileEndpoint struct {
	Platform string `json:"platform"`
	ID       string `json:"id"`
}

func (e fileEndpoint) trimmed() (otogi.Platform, string) {
	return otogi.Platform(strings.TrimSpace(e.Platform)), strings.TrimSpace(e.ID)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel:            slog.LevelInfo,
		moduleHookTimeout:   defaultModuleHookTimeout,
		shutdownTimeout:     defaultShutdownTimeout,
		handlerTimeout:      defaultHandlerTimeout,
		subscriptionBuffer:  defaultSubscriptionBuffer,
		subscriptionWorkers: defaultSubscriptionWorker,
		moduleRoutes:        map[string]kernel.ModuleRoute{},
		blobStore:           blobstore.Definition{Type: blobstore.TypeBolt},
		markov: markovConfig{
			idleThreshold:    markov.DefaultIdleThreshold,
			pruneInterval:    markov.DefaultPruneInterval,
			retryMaxAttempts: retry.DefaultMaxAttempts,
			retryBaseDelay:   retry.DefaultBaseDelay,
			retryScale:       1,
		},
		metrics: metricsConfig{exporter: metricsExporterNone, listenAddr: defaultMetricsListenAddr},
	}
}

// loadConfig finds bot.json, overlays it on the defaults and checks it
// against the registered driver and blob store types.
func loadConfig(drivers *driver.Registry, stores *blobstore.Registry) (appConfig, error) {
	path, err := findConfigFile()
	if err != nil {
		return appConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return appConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var raw fileConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return appConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	cfg := defaultAppConfig()
	if err := cfg.overlay(raw); err != nil {
		return appConfig{}, fmt.Errorf("config file %s: %w", path, err)
	}
	if err := cfg.validate(drivers, stores); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", path, err)
	}

	return cfg, nil
}

func findConfigFile() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(envConfigFile)); explicit != "" {
		return explicit, nil
	}

	for _, candidate := range configSearchPath {
		info, err := os.Stat(candidate)
		switch {
		case err == nil && info.IsDir():
			return "", fmt.Errorf("config file %s is a directory", candidate)
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf("no config file at %s; set %s", strings.Join(configSearchPath, " or "), envConfigFile)
}

// overlay copies every present field of raw onto cfg. The first malformed
// field aborts.
func (cfg *appConfig) overlay(raw fileConfig) error {
	if level := strings.TrimSpace(raw.LogLevel); level != "" {
		parsed, err := parseLogLevel(level)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = parsed
	}

	durations := []struct {
		field  string
		raw    string
		target *time.Duration
	}{
		{"kernel.module_hook_timeout", raw.Kernel.ModuleHookTimeout, &cfg.moduleHookTimeout},
		{"kernel.shutdown_timeout", raw.Kernel.ShutdownTimeout, &cfg.shutdownTimeout},
		{"kernel.handler_timeout", raw.Kernel.HandlerTimeout, &cfg.handlerTimeout},
		{"markov.idle_threshold", raw.Markov.IdleThreshold, &cfg.markov.idleThreshold},
		{"markov.prune_interval", raw.Markov.PruneInterval, &cfg.markov.pruneInterval},
		{"markov.retry.base_delay", raw.Markov.Retry.BaseDelay, &cfg.markov.retryBaseDelay},
	}
	for _, entry := range durations {
		if err := overlayDuration(entry.field, entry.raw, entry.target); err != nil {
			return err
		}
	}

	counts := []struct {
		field  string
		raw    *int
		target *int
	}{
		{"kernel.subscription_buffer", raw.Kernel.SubscriptionBuffer, &cfg.subscriptionBuffer},
		{"kernel.subscription_workers", raw.Kernel.SubscriptionWorkers, &cfg.subscriptionWorkers},
		{"markov.retry.max_attempts", raw.Markov.Retry.MaxAttempts, &cfg.markov.retryMaxAttempts},
	}
	for _, entry := range counts {
		if entry.raw == nil {
			continue
		}
		if *entry.raw <= 0 {
			return fmt.Errorf("parse %s: must be > 0", entry.field)
		}
		*entry.target = *entry.raw
	}
	if scale := raw.Markov.Retry.Scale; scale != nil {
		if *scale <= 0 {
			return fmt.Errorf("parse markov.retry.scale: must be > 0")
		}
		cfg.markov.retryScale = *scale
	}

	cfg.drivers = make([]driver.Definition, 0, len(raw.Drivers))
	for index, entry := range raw.Drivers {
		if len(entry.Config) == 0 {
			return fmt.Errorf("parse drivers[%d].config: required", index)
		}
		cfg.drivers = append(cfg.drivers, driver.Definition{
			Name:    strings.TrimSpace(entry.Name),
			Type:    strings.TrimSpace(entry.Type),
			Enabled: entry.Enabled == nil || *entry.Enabled,
			Config:  slices.Clone(entry.Config),
		})
	}

	if raw.Routing.Default != nil {
		route, err := raw.Routing.Default.moduleRoute("routing.default")
		if err != nil {
			return err
		}
		cfg.routingDefault = &route
	}
	for name, entry := range raw.Routing.Modules {
		route, err := entry.moduleRoute("routing.modules." + name)
		if err != nil {
			return err
		}
		cfg.moduleRoutes[name] = route
	}

	cfg.blobStore.Type = cmp.Or(strings.TrimSpace(raw.BlobStore.Type), cfg.blobStore.Type)
	cfg.blobStore.Config = slices.Clone(raw.BlobStore.Config)
	cfg.helpFooter = strings.TrimSpace(raw.Help.Footer)
	cfg.metrics.exporter = cmp.Or(strings.ToLower(strings.TrimSpace(raw.Metrics.Exporter)), cfg.metrics.exporter)
	cfg.metrics.listenAddr = cmp.Or(strings.TrimSpace(raw.Metrics.ListenAddr), cfg.metrics.listenAddr)

	return nil
}

func overlayDuration(field, raw string, target *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", field, err)
	}
	if value <= 0 {
		return fmt.Errorf("parse %s: must be > 0", field)
	}
	*target = value

	return nil
}

func (r fileRoute) moduleRoute(scope string) (kernel.ModuleRoute, error) {
	if len(r.Sources) == 0 {
		return kernel.ModuleRoute{}, fmt.Errorf("%s.sources is required", scope)
	}
	if r.Sink == nil {
		return kernel.ModuleRoute{}, fmt.Errorf("%s.sink is required", scope)
	}

	route := kernel.ModuleRoute{Sources: make([]otogi.EventSource, 0, len(r.Sources))}
	for index, endpoint := range r.Sources {
		platform, id := endpoint.trimmed()
		if platform == "" && id == "" {
			return kernel.ModuleRoute{}, fmt.Errorf("%s.sources[%d]: empty source reference", scope, index)
		}
		route.Sources = append(route.Sources, otogi.EventSource{Platform: platform, ID: id})
	}
	platform, id := r.Sink.trimmed()
	if platform == "" && id == "" {
		return kernel.ModuleRoute{}, fmt.Errorf("%s.sink: empty sink reference", scope)
	}
	route.Sink = &otogi.EventSink{Platform: platform, ID: id}

	return route, nil
}

// validate checks cross-field constraints and fills in the default route
// when exactly one driver is enabled.
func (cfg *appConfig) validate(drivers *driver.Registry, stores *blobstore.Registry) error {
	if drivers == nil || stores == nil {
		return errors.New("nil registry")
	}
	if !slices.Contains(stores.Types(), cfg.blobStore.Type) {
		return fmt.Errorf("blob_store.type: unsupported type %q", cfg.blobStore.Type)
	}
	if !slices.Contains(supportedMetricsExporters, cfg.metrics.exporter) {
		return fmt.Errorf("metrics.exporter: unsupported exporter %q", cfg.metrics.exporter)
	}

	enabled, err := cfg.enabledDrivers(drivers)
	if err != nil {
		return err
	}
	if err := cfg.validateRoutes(enabled); err != nil {
		return err
	}

	switch {
	case cfg.routingDefault != nil:
	case len(enabled) == 1:
		for name, definition := range enabled {
			platform, err := drivers.PlatformForType(definition.Type)
			if err != nil {
				return fmt.Errorf("derive default route from driver %s: %w", name, err)
			}
			cfg.routingDefault = &kernel.ModuleRoute{
				Sources: []otogi.EventSource{{Platform: platform, ID: name}},
				Sink:    &otogi.EventSink{Platform: platform, ID: name},
			}
		}
	default:
		for _, module := range runtimeModuleNames {
			if _, routed := cfg.moduleRoutes[module]; !routed {
				return errors.New("routing.default is required in multi-driver mode unless all modules override")
			}
		}
	}

	return nil
}

func (cfg *appConfig) enabledDrivers(drivers *driver.Registry) (map[string]driver.Definition, error) {
	enabled := make(map[string]driver.Definition, len(cfg.drivers))
	seen := make(map[string]struct{}, len(cfg.drivers))
	for _, definition := range cfg.drivers {
		switch {
		case definition.Name == "":
			return nil, errors.New("drivers[].name is required")
		case definition.Type == "":
			return nil, fmt.Errorf("drivers[%s].type is required", definition.Name)
		}
		if _, duplicate := seen[definition.Name]; duplicate {
			return nil, fmt.Errorf("drivers[%s]: duplicate name", definition.Name)
		}
		seen[definition.Name] = struct{}{}
		if !definition.Enabled {
			continue
		}
		if _, err := drivers.PlatformForType(definition.Type); err != nil {
			return nil, fmt.Errorf("drivers[%s].type: %w", definition.Name, err)
		}
		enabled[definition.Name] = definition
	}
	if len(enabled) == 0 {
		return nil, errors.New("at least one enabled driver is required")
	}

	return enabled, nil
}

func (cfg *appConfig) validateRoutes(enabled map[string]driver.Definition) error {
	known := func(id string) bool {
		_, ok := enabled[id]
		return id == "" || ok
	}
	check := func(scope string, route kernel.ModuleRoute) error {
		for index, source := range route.Sources {
			if !known(source.ID) {
				return fmt.Errorf("%s.sources[%d]: unknown driver id %s", scope, index, source.ID)
			}
		}
		if route.Sink != nil && !known(route.Sink.ID) {
			return fmt.Errorf("%s.sink: unknown driver id %s", scope, route.Sink.ID)
		}
		return nil
	}

	for _, module := range slices.Sorted(maps.Keys(cfg.moduleRoutes)) {
		if !slices.Contains(runtimeModuleNames, module) {
			return fmt.Errorf("routing.modules.%s: unknown module", module)
		}
		if err := check("routing.modules."+module, cfg.moduleRoutes[module]); err != nil {
			return err
		}
	}
	if cfg.routingDefault != nil {
		return check("routing.default", *cfg.routingDefault)
	}

	return nil
}

// parseLogLevel accepts slog level names plus the "warning" alias.
func parseLogLevel(raw string) (slog.Level, error) {
	name := strings.TrimSpace(raw)
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn, nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("unsupported level %q", raw)
	}

	return level, nil
}
