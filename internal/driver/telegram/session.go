package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gotdtelegram "github.com/gotd/td/telegram"
)

// GotdSessionClient runs fn inside a connected, authorized session.
type GotdSessionClient interface {
	Run(ctx context.Context, fn func(runCtx context.Context) error) error
}

// GotdRawUpdateStream exposes raw gotd updates for the current session.
type GotdRawUpdateStream interface {
	Updates(ctx context.Context) (<-chan any, error)
}

// GotdUpdateMapper turns a raw gotd update into an adapter Update. accepted is
// false for update classes the bot ignores.
type GotdUpdateMapper interface {
	Map(ctx context.Context, raw any) (update Update, accepted bool, err error)
}

// GotdBotSource is the UpdateSource behind a live bot account.
type GotdBotSource struct {
	client GotdSessionClient
	stream GotdRawUpdateStream
	mapper GotdUpdateMapper
}

// NewGotdBotSource assembles a bot source.
func NewGotdBotSource(client GotdSessionClient, stream GotdRawUpdateStream, mapper GotdUpdateMapper) (*GotdBotSource, error) {
	switch {
	case client == nil:
		return nil, errors.New("new gotd bot source: nil client")
	case stream == nil:
		return nil, errors.New("new gotd bot source: nil stream")
	case mapper == nil:
		return nil, errors.New("new gotd bot source: nil mapper")
	}

	return &GotdBotSource{client: client, stream: stream, mapper: mapper}, nil
}

// Consume opens one session and pumps its updates into handler. It returns
// when the session ends, the stream closes or handler fails.
func (s *GotdBotSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return errors.New("gotd bot source: nil handler")
	}

	if err := s.client.Run(ctx, func(runCtx context.Context) error {
		return s.pump(runCtx, handler)
	}); err != nil {
		return fmt.Errorf("gotd bot source: %w", err)
	}

	return nil
}

func (s *GotdBotSource) pump(ctx context.Context, handler UpdateHandler) error {
	raws, err := s.stream.Updates(ctx)
	if err != nil {
		return fmt.Errorf("open update stream: %w", err)
	}

	for {
		var (
			raw  any
			open bool
		)
		select {
		case <-ctx.Done():
			return nil
		case raw, open = <-raws:
		}
		if !open {
			return nil
		}

		update, accepted, err := mapRecovering(ctx, s.mapper, raw)
		switch {
		case err != nil:
			return fmt.Errorf("map raw update %T: %w", raw, err)
		case !accepted:
			continue
		}
		if err := handler(ctx, update); err != nil {
			return fmt.Errorf("handle update %s: %w", update.ID, err)
		}
	}
}

func mapRecovering(ctx context.Context, mapper GotdUpdateMapper, raw any) (update Update, accepted bool, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			update, accepted, err = Update{}, false, fmt.Errorf("mapper panic: %v", recovered)
		}
	}()

	return mapper.Map(ctx, raw)
}

// botSession wraps a gotd client so every run starts authorized, reusing the
// stored session when it is still valid.
type botSession struct {
	client      *gotdtelegram.Client
	token       string
	authTimeout time.Duration
	sessionFile string
	logger      *slog.Logger
}

func (s botSession) Run(ctx context.Context, fn func(runCtx context.Context) error) error {
	if s.client == nil || fn == nil {
		return errors.New("bot session: not configured")
	}

	return s.client.Run(ctx, func(runCtx context.Context) error {
		if err := s.authorize(runCtx); err != nil {
			return fmt.Errorf("authorize bot: %w", err)
		}
		return fn(runCtx)
	})
}

func (s botSession) authorize(ctx context.Context) error {
	authCtx, cancel := context.WithTimeout(ctx, s.authTimeout)
	defer cancel()

	status, err := s.client.Auth().Status(authCtx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if status.Authorized {
		s.logger.InfoContext(ctx, "telegram session restored", "session_file", s.sessionFile)
		return nil
	}
	if _, err := s.client.Auth().Bot(authCtx, s.token); err != nil {
		return fmt.Errorf("bot login: %w", err)
	}
	s.logger.InfoContext(ctx, "telegram bot logged in", "session_file", s.sessionFile)

	return nil
}
