package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gotdtelegram "github.com/gotd/td/telegram"
)

// Bot bundles the pieces built for one bot account. All three share a single
// gotd client and peer cache.
type Bot struct {
	Driver  *Driver
	Sink    *SinkDispatcher
	Members *MemberDirectory
}

// Build creates a bot from its drivers[].config payload. Nothing connects
// until the driver starts.
func Build(_ context.Context, name string, logger *slog.Logger, rawConfig []byte) (Bot, error) {
	cfg, err := parseSettings(rawConfig)
	if err != nil {
		return Bot{}, fmt.Errorf("parse config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("driver", name)

	storage, err := openSessionStorage(cfg.sessionFile)
	if err != nil {
		return Bot{}, err
	}
	updates := NewGotdUpdateChannel(cfg.updateBuffer)
	client := gotdtelegram.NewClient(cfg.appID, cfg.appHash, gotdtelegram.Options{
		UpdateHandler:  updates,
		SessionStorage: storage,
	})
	peers := NewPeerCache()

	live, err := NewGotdBotSource(
		botSession{
			client:      client,
			token:       cfg.botToken,
			authTimeout: cfg.authTimeout,
			sessionFile: cfg.sessionFile,
			logger:      logger,
		},
		updates,
		NewDefaultGotdUpdateMapper(WithPeerCache(peers)),
	)
	if err != nil {
		return Bot{}, err
	}
	source, err := NewReconnectingSource(live,
		WithReconnectDelays(cfg.reconnectInitial, cfg.reconnectMax),
		WithReconnectNotify(func(err error, wait time.Duration) {
			logger.Warn("telegram session lost, reconnecting", "error", err, "wait", wait)
		}),
	)
	if err != nil {
		return Bot{}, err
	}

	driver, err := NewDriver(source, NewDefaultDecoder(),
		WithName(name),
		WithPublishTimeout(cfg.publishTimeout),
		WithErrorHandler(func(ctx context.Context, err error) {
			logger.ErrorContext(ctx, "telegram update dropped", "error", err)
		}),
	)
	if err != nil {
		return Bot{}, err
	}

	sink, err := NewOutboundDispatcher(client, peers,
		WithOutboundTimeout(cfg.publishTimeout),
		WithOutboundLogger(logger),
		WithSinkRef(driver.EventSource().Sink()),
	)
	if err != nil {
		return Bot{}, err
	}
	members, err := NewMemberDirectory(client, peers, cfg.publishTimeout)
	if err != nil {
		return Bot{}, err
	}

	return Bot{Driver: driver, Sink: sink, Members: members}, nil
}
