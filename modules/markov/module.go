// Package markov is the otogi module that learns each conversation's messages
// into a Markov model and speaks on request.
package markov

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"otogi-markov/pkg/otogi"
	"otogi-markov/pkg/retry"
)

const (
	speakCommandName          = "speak"
	toggleLearningCommandName = "toggle_learning"
	clearDataCommandName      = "clear_data"

	// DefaultPruneInterval is how often idle entries are evicted.
	DefaultPruneInterval = 15 * time.Minute

	// Load-on-miss may retry blob store calls, so commands get more room than
	// the kernel default handler timeout.
	commandHandlerTimeout = 30 * time.Second
)

// Option mutates markov module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// WithBlobStore injects the store directly, bypassing service lookup.
func WithBlobStore(store otogi.BlobStore) Option {
	return func(module *Module) {
		if store != nil {
			module.store = store
		}
	}
}

// WithIdleThreshold sets how long an entry may stay idle before eviction.
func WithIdleThreshold(threshold time.Duration) Option {
	return func(module *Module) {
		module.cacheOptions = append(module.cacheOptions, WithCacheIdleThreshold(threshold))
	}
}

// WithPruneInterval sets how often idle entries are evicted.
func WithPruneInterval(interval time.Duration) Option {
	return func(module *Module) {
		if interval > 0 {
			module.pruneInterval = interval
		}
	}
}

// WithRetry sets the policy wrapping blob store calls.
func WithRetry(policy *retry.Policy) Option {
	return func(module *Module) {
		module.cacheOptions = append(module.cacheOptions, WithRetryPolicy(policy))
	}
}

// WithMeterProvider records cache metrics through provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(module *Module) {
		if provider != nil {
			module.cacheOptions = append(module.cacheOptions, WithMeter(provider.Meter(meterName)))
		}
	}
}

// WithModuleClock replaces time.Now for the cache and the prune loop.
func WithModuleClock(clock func() time.Time) Option {
	return func(module *Module) {
		if clock != nil {
			module.clock = clock
			module.cacheOptions = append(module.cacheOptions, WithClock(clock))
		}
	}
}

// Module feeds conversation messages into per-conversation models and
// answers /speak, /toggle_learning and /clear_data.
type Module struct {
	logger        *slog.Logger
	dispatcher    otogi.SinkDispatcher
	members       otogi.MemberDirectory
	store         otogi.BlobStore
	cache         *Cache
	cacheOptions  []CacheOption
	pruneInterval time.Duration
	clock         func() time.Time

	loopMu   sync.Mutex
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// New creates a markov module.
func New(options ...Option) *Module {
	module := &Module{
		logger:        slog.Default(),
		pruneInterval: DefaultPruneInterval,
		clock:         time.Now,
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "markov"
}

// Spec declares the learner and command handlers.
func (m *Module) Spec() otogi.ModuleSpec {
	commandSubscription := otogi.NewDefaultSubscriptionSpec("markov-commands")
	commandSubscription.HandlerTimeout = commandHandlerTimeout

	return otogi.ModuleSpec{
		Handlers: []otogi.ModuleHandler{
			{
				Capability: otogi.Capability{
					Name:        "markov-learner",
					Description: "feeds conversation messages into the conversation model",
					Interest: otogi.InterestSet{
						Kinds:          []otogi.EventKind{otogi.EventKindArticleCreated},
						RequireArticle: true,
					},
					RequiredServices: []string{otogi.ServiceBlobStore},
				},
				Subscription: otogi.NewDefaultSubscriptionSpec("markov-learner"),
				Handler:      m.handleArticle,
			},
			{
				Capability: otogi.Capability{
					Name:        "markov-commands",
					Description: "generates phrases and manages conversation models",
					Interest: otogi.InterestSet{
						Kinds:          []otogi.EventKind{otogi.EventKindCommandReceived},
						RequireArticle: true,
						RequireCommand: true,
						CommandNames: []string{
							speakCommandName,
							toggleLearningCommandName,
							clearDataCommandName,
						},
					},
					RequiredServices: []string{otogi.ServiceBlobStore, otogi.ServiceSinkDispatcher},
				},
				Subscription: commandSubscription,
				Handler:      m.handleCommand,
			},
		},
		Commands: []otogi.CommandSpec{
			{
				Prefix:      otogi.CommandPrefixOrdinary,
				Name:        speakCommandName,
				Usage:       "[seed]",
				Description: "generate a new phrase",
			},
			{
				Prefix:      otogi.CommandPrefixOrdinary,
				Name:        toggleLearningCommandName,
				Description: "enable / disable learning",
			},
			{
				Prefix:      otogi.CommandPrefixOrdinary,
				Name:        clearDataCommandName,
				Description: "delete ALL data (irreversible!)",
			},
		},
	}
}

// OnRegister resolves services and builds the cache.
func (m *Module) OnRegister(_ context.Context, runtime otogi.ModuleRuntime) error {
	services := runtime.Services()

	logger, err := otogi.ResolveAs[*slog.Logger](services, otogi.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, otogi.ErrServiceNotFound):
	default:
		return fmt.Errorf("markov resolve logger: %w", err)
	}

	dispatcher, err := otogi.ResolveAs[otogi.SinkDispatcher](services, otogi.ServiceSinkDispatcher)
	if err != nil {
		return fmt.Errorf("markov resolve sink dispatcher: %w", err)
	}
	m.dispatcher = dispatcher

	if m.store == nil {
		store, err := otogi.ResolveAs[otogi.BlobStore](services, otogi.ServiceBlobStore)
		if err != nil {
			return fmt.Errorf("markov resolve blob store: %w", err)
		}
		m.store = store
	}

	members, err := otogi.ResolveAs[otogi.MemberDirectory](services, otogi.ServiceMemberDirectory)
	switch {
	case err == nil:
		m.members = members
	case errors.Is(err, otogi.ErrServiceNotFound):
		m.logger.Warn("markov member directory unavailable, group admin commands will be denied")
	default:
		return fmt.Errorf("markov resolve member directory: %w", err)
	}

	options := append([]CacheOption{WithCacheLogger(m.logger)}, m.cacheOptions...)
	cache, err := NewCache(m.store, options...)
	if err != nil {
		return fmt.Errorf("markov build cache: %w", err)
	}
	m.cache = cache

	return nil
}

// OnStart launches the prune loop.
func (m *Module) OnStart(ctx context.Context) error {
	if m.cache == nil {
		return fmt.Errorf("markov start: module not registered")
	}

	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.stopLoop != nil {
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.stopLoop = cancel
	m.loopDone = done
	go m.runPruneLoop(loopCtx, done)

	m.logger.InfoContext(ctx, "markov module started",
		"module", m.Name(),
		"prune_interval", m.pruneInterval,
		"idle_threshold", m.cache.idleThreshold,
	)

	return nil
}

// OnShutdown stops the prune loop and persists every resident entry. Store
// calls already in flight are not canceled, and the drain runs even when ctx
// expires while a prune is still persisting.
func (m *Module) OnShutdown(ctx context.Context) error {
	m.loopMu.Lock()
	stop, done := m.stopLoop, m.loopDone
	m.stopLoop, m.loopDone = nil, nil
	m.loopMu.Unlock()

	if stop != nil {
		stop()
		// The loop returns after its current prune.
		<-done
	}
	if m.cache == nil {
		return nil
	}

	resident := m.cache.Len()
	if err := m.cache.DrainAll(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("markov shutdown: %w", err)
	}
	m.logger.InfoContext(ctx, "markov module drained", "module", m.Name(), "persisted", resident)

	return nil
}

func (m *Module) runPruneLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cache.Prune(context.WithoutCancel(ctx), m.clock())
		}
	}
}

func (m *Module) handleArticle(ctx context.Context, event *otogi.Event) error {
	if event == nil || event.Article == nil || event.Kind != otogi.EventKindArticleCreated {
		return nil
	}
	if event.Actor.IsBot || strings.TrimSpace(event.Article.Text) == "" {
		return nil
	}
	if _, isCommand, _ := otogi.ParseCommandCandidate(event.Article.Text); isCommand {
		return nil
	}

	id, err := conversationID(event)
	if err != nil {
		return err
	}
	m.cache.Feed(ctx, id, event.Article.Text)

	return nil
}

func (m *Module) handleCommand(ctx context.Context, event *otogi.Event) error {
	if event == nil || event.Command == nil || event.Article == nil {
		return nil
	}
	if event.Kind != otogi.EventKindCommandReceived {
		return nil
	}

	id, err := conversationID(event)
	if err != nil {
		return err
	}

	var reply string
	switch event.Command.Name {
	case speakCommandName:
		reply = m.cache.Generate(ctx, id, event.Command.Value)
	case toggleLearningCommandName:
		if !m.authorize(ctx, event, otogi.MemberRoleAdmin) {
			reply = messageInsufficientRights
			break
		}
		reply = m.cache.ToggleLearning(ctx, id)
	case clearDataCommandName:
		if !m.authorize(ctx, event, otogi.MemberRoleOwner) {
			reply = messageInsufficientRights
			break
		}
		reply = m.cache.ClearData(ctx, id)
	default:
		return nil
	}

	target, err := otogi.OutboundTargetFromEvent(event)
	if err != nil {
		return fmt.Errorf("markov derive outbound target: %w", err)
	}
	_, err = m.dispatcher.SendMessage(ctx, otogi.SendMessageRequest{
		Target:           target,
		Text:             reply,
		ReplyToMessageID: event.Article.ID,
	})
	if failure, ok := otogi.AsOutboundError(err); ok && failure.Kind == otogi.OutboundErrorKindRateLimited {
		// The reply is stale by the time the flood wait ends.
		m.logger.WarnContext(ctx, "markov reply dropped by rate limit",
			"conversation", event.Conversation.ID,
			"command", event.Command.Name,
			"retry_after", failure.RetryAfter,
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("markov send %s reply: %w", event.Command.Name, err)
	}

	return nil
}

func conversationID(event *otogi.Event) (int64, error) {
	id, err := strconv.ParseInt(event.Conversation.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("markov parse conversation id %q: %w", event.Conversation.ID, err)
	}

	return id, nil
}

var (
	_ otogi.Module          = (*Module)(nil)
	_ otogi.ModuleRegistrar = (*Module)(nil)
)
