package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"otogi-markov/internal/blobstore"
	"otogi-markov/internal/driver"
)

const telegramDriverJSON = `"drivers":[{"name":"tg-main","type":"telegram","config":{"app_id":1,"app_hash":"hash","bot_token":"1:a"}}]`

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "Warning", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "trace", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.input, func(t *testing.T) {
			t.Parallel()

			got, err := parseLogLevel(testCase.input)
			if (err != nil) != testCase.wantErr {
				t.Fatalf("parseLogLevel(%q) error = %v, want error %v", testCase.input, err, testCase.wantErr)
			}
			if err == nil && got != testCase.want {
				t.Fatalf("parseLogLevel(%q) = %v, want %v", testCase.input, got, testCase.want)
			}
		})
	}
}

func TestLoadConfigOverlaysFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"log_level":"warn",
		"kernel":{"module_hook_timeout":"7s","shutdown_timeout":"15s","handler_timeout":"20s","subscription_buffer":64,"subscription_workers":5},
		`+telegramDriverJSON+`,
		"blob_store":{"type":"memory"},
		"markov":{"idle_threshold":"45m","prune_interval":"5m","retry":{"max_attempts":3,"base_delay":"10ms","scale":0.5}},
		"help":{"footer":" Source: example.org "},
		"metrics":{"exporter":"Prometheus","listen_addr":"0.0.0.0:9000"}
	}`)
	t.Setenv(envConfigFile, path)

	cfg := mustLoadConfig(t)
	if cfg.logLevel != slog.LevelWarn {
		t.Fatalf("log level = %v, want warn", cfg.logLevel)
	}
	gotKernel := []time.Duration{cfg.moduleHookTimeout, cfg.shutdownTimeout, cfg.handlerTimeout}
	wantKernel := []time.Duration{7 * time.Second, 15 * time.Second, 20 * time.Second}
	for index := range wantKernel {
		if gotKernel[index] != wantKernel[index] {
			t.Fatalf("kernel timeouts = %v, want %v", gotKernel, wantKernel)
		}
	}
	if cfg.subscriptionBuffer != 64 || cfg.subscriptionWorkers != 5 {
		t.Fatalf("subscription = (%d, %d), want (64, 5)", cfg.subscriptionBuffer, cfg.subscriptionWorkers)
	}
	if cfg.blobStore.Type != blobstore.TypeMemory {
		t.Fatalf("blob store type = %q, want memory", cfg.blobStore.Type)
	}
	wantMarkov := markovConfig{
		idleThreshold:    45 * time.Minute,
		pruneInterval:    5 * time.Minute,
		retryMaxAttempts: 3,
		retryBaseDelay:   10 * time.Millisecond,
		retryScale:       0.5,
	}
	if cfg.markov != wantMarkov {
		t.Fatalf("markov = %+v, want %+v", cfg.markov, wantMarkov)
	}
	if cfg.helpFooter != "Source: example.org" {
		t.Fatalf("help footer = %q", cfg.helpFooter)
	}
	if cfg.metrics != (metricsConfig{exporter: metricsExporterPrometheus, listenAddr: "0.0.0.0:9000"}) {
		t.Fatalf("metrics = %+v, want prometheus on 0.0.0.0:9000", cfg.metrics)
	}
	if cfg.routingDefault == nil || cfg.routingDefault.Sink == nil || cfg.routingDefault.Sink.ID != "tg-main" {
		t.Fatalf("routing default = %+v, want derived tg-main route", cfg.routingDefault)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(envConfigFile, writeConfig(t, t.TempDir(), `{`+telegramDriverJSON+`}`))

	cfg := mustLoadConfig(t)
	defaults := defaultAppConfig()
	if cfg.blobStore.Type != blobstore.TypeBolt || cfg.markov != defaults.markov || cfg.metrics != defaults.metrics {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
	if cfg.helpFooter != "" {
		t.Fatalf("help footer = %q, want empty", cfg.helpFooter)
	}
}

func TestLoadConfigSearchPath(t *testing.T) {
	workDir := t.TempDir()
	writeConfig(t, filepath.Join(workDir, "bin", "config"), `{"log_level":"debug",`+telegramDriverJSON+`}`)
	t.Chdir(workDir)
	t.Setenv(envConfigFile, "")

	if cfg := mustLoadConfig(t); cfg.logLevel != slog.LevelDebug {
		t.Fatalf("log level = %v, want debug", cfg.logLevel)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name       string
		fileJSON   string
		wantErrSub string
	}{
		{name: "bad log level", fileJSON: `{"log_level":"trace",` + telegramDriverJSON + `}`, wantErrSub: "parse log_level"},
		{name: "bad hook timeout", fileJSON: `{"kernel":{"module_hook_timeout":"bad"},` + telegramDriverJSON + `}`, wantErrSub: "kernel.module_hook_timeout"},
		{name: "zero buffer", fileJSON: `{"kernel":{"subscription_buffer":0},` + telegramDriverJSON + `}`, wantErrSub: "kernel.subscription_buffer"},
		{name: "negative idle threshold", fileJSON: `{"markov":{"idle_threshold":"-1m"},` + telegramDriverJSON + `}`, wantErrSub: "markov.idle_threshold"},
		{name: "zero retry attempts", fileJSON: `{"markov":{"retry":{"max_attempts":0}},` + telegramDriverJSON + `}`, wantErrSub: "markov.retry.max_attempts"},
		{name: "zero retry scale", fileJSON: `{"markov":{"retry":{"scale":0}},` + telegramDriverJSON + `}`, wantErrSub: "markov.retry.scale"},
		{name: "unknown blob store", fileJSON: `{"blob_store":{"type":"s3"},` + telegramDriverJSON + `}`, wantErrSub: "blob_store.type"},
		{name: "unknown exporter", fileJSON: `{"metrics":{"exporter":"otlp"},` + telegramDriverJSON + `}`, wantErrSub: "metrics.exporter"},
		{name: "no drivers", fileJSON: `{"drivers":[]}`, wantErrSub: "at least one enabled driver"},
		{name: "driver without config", fileJSON: `{"drivers":[{"name":"tg-main","type":"telegram"}]}`, wantErrSub: "drivers[0].config"},
		{
			name:       "duplicate driver",
			fileJSON:   `{"drivers":[{"name":"tg","type":"telegram","config":{}},{"name":"tg","type":"telegram","enabled":false,"config":{}}]}`,
			wantErrSub: "duplicate name",
		},
		{
			name:       "route to unknown module",
			fileJSON:   `{"routing":{"modules":{"pingpong":{"sources":[{"id":"tg-main"}],"sink":{"id":"tg-main"}}}},` + telegramDriverJSON + `}`,
			wantErrSub: "unknown module",
		},
		{
			name:       "route to unknown driver",
			fileJSON:   `{"routing":{"default":{"sources":[{"id":"tg-alt"}],"sink":{"id":"tg-main"}}},` + telegramDriverJSON + `}`,
			wantErrSub: "unknown driver id tg-alt",
		},
		{
			name:       "route without sink",
			fileJSON:   `{"routing":{"default":{"sources":[{"id":"tg-main"}]}},` + telegramDriverJSON + `}`,
			wantErrSub: "routing.default.sink is required",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Setenv(envConfigFile, writeConfig(t, t.TempDir(), testCase.fileJSON))

			drivers, stores := newTestRegistries(t)
			_, err := loadConfig(drivers, stores)
			if err == nil || !strings.Contains(err.Error(), testCase.wantErrSub) {
				t.Fatalf("error = %v, want substring %q", err, testCase.wantErrSub)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Setenv(envConfigFile, filepath.Join(t.TempDir(), "missing.json"))

	drivers, stores := newTestRegistries(t)
	if _, err := loadConfig(drivers, stores); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func writeConfig(t *testing.T, dir string, contents string) string {
	t.Helper()

	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("create config dir: %v", err)
	}
	path := filepath.Join(dir, "bot.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	return path
}

func mustLoadConfig(t *testing.T) appConfig {
	t.Helper()

	drivers, stores := newTestRegistries(t)
	cfg, err := loadConfig(drivers, stores)
	if err != nil {
		t.Fatalf("load config failed: %v", err)
	}

	return cfg
}

func newTestRegistries(t *testing.T) (*driver.Registry, *blobstore.Registry) {
	t.Helper()

	drivers, err := driver.NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("new driver registry failed: %v", err)
	}
	stores, err := blobstore.NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("new blob store registry failed: %v", err)
	}

	return drivers, stores
}
