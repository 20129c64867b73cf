package driver

import (
	"context"
	"fmt"
	"log/slog"

	"otogi-markov/internal/driver/telegram"
)

// NewBuiltinRegistry registers every driver type compiled into the binary.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{Type: telegram.DriverType, Platform: telegram.DriverPlatform, Builder: buildTelegram},
	})
}

func buildTelegram(ctx context.Context, definition Definition, logger *slog.Logger) (Runtime, error) {
	bot, err := telegram.Build(ctx, definition.Name, logger, definition.Config)
	if err != nil {
		return Runtime{}, fmt.Errorf("telegram: %w", err)
	}

	return Runtime{
		Source:          bot.Driver.EventSource(),
		Driver:          bot.Driver,
		SinkDispatcher:  bot.Sink,
		MemberDirectory: bot.Members,
	}, nil
}
