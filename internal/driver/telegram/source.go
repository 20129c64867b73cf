package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// UpdateHandler receives one adapter update. A returned error ends the
// surrounding Consume call.
type UpdateHandler func(ctx context.Context, update Update) error

// UpdateSource streams adapter updates until ctx ends or the stream fails.
type UpdateSource interface {
	Consume(ctx context.Context, handler UpdateHandler) error
}

// ChannelSource replays updates from a channel. Tests and local tooling use it
// in place of a live bot session.
type ChannelSource struct {
	Updates <-chan Update
}

// Consume drains Updates until it is closed.
func (s ChannelSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return errors.New("channel source: nil handler")
	}

	for {
		var (
			update Update
			open   bool
		)
		select {
		case <-ctx.Done():
			return nil
		case update, open = <-s.Updates:
		}
		if !open {
			return nil
		}
		if err := handler(ctx, update); err != nil {
			return fmt.Errorf("channel source: update %s: %w", update.ID, err)
		}
	}
}

const (
	defaultReconnectInitial = time.Second
	defaultReconnectMax     = time.Minute
)

// ReconnectingSource restarts an inner source whenever it fails, waiting an
// exponentially growing delay between sessions. A session that returns nil
// while ctx is still live is treated as a dropped connection too.
type ReconnectingSource struct {
	inner      UpdateSource
	initial    time.Duration
	maxBackoff time.Duration
	onRetry    func(err error, wait time.Duration)
}

// ReconnectOption configures a ReconnectingSource.
type ReconnectOption func(*ReconnectingSource)

// WithReconnectDelays bounds the wait between sessions.
func WithReconnectDelays(initial, maxBackoff time.Duration) ReconnectOption {
	return func(source *ReconnectingSource) {
		if initial > 0 {
			source.initial = initial
		}
		if maxBackoff >= source.initial {
			source.maxBackoff = maxBackoff
		}
	}
}

// WithReconnectNotify observes every failed session before the wait.
func WithReconnectNotify(notify func(err error, wait time.Duration)) ReconnectOption {
	return func(source *ReconnectingSource) {
		if notify != nil {
			source.onRetry = notify
		}
	}
}

// NewReconnectingSource wraps inner with reconnect handling.
func NewReconnectingSource(inner UpdateSource, options ...ReconnectOption) (*ReconnectingSource, error) {
	if inner == nil {
		return nil, errors.New("new reconnecting source: nil inner source")
	}

	source := &ReconnectingSource{
		inner:      inner,
		initial:    defaultReconnectInitial,
		maxBackoff: defaultReconnectMax,
		onRetry:    func(error, time.Duration) {},
	}
	for _, option := range options {
		option(source)
	}

	return source, nil
}

var errSessionEnded = errors.New("update session ended")

// Consume runs inner sessions until ctx ends. Handler failures are permanent
// and returned as is.
func (s *ReconnectingSource) Consume(ctx context.Context, handler UpdateHandler) error {
	if handler == nil {
		return errors.New("reconnecting source: nil handler")
	}

	var handlerErr error
	guarded := func(updateCtx context.Context, update Update) error {
		if err := handler(updateCtx, update); err != nil {
			handlerErr = err
			return err
		}
		return nil
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = s.initial
	schedule.MaxInterval = s.maxBackoff
	schedule.MaxElapsedTime = 0

	session := func() error {
		err := s.inner.Consume(ctx, guarded)
		switch {
		case ctx.Err() != nil:
			return nil
		case handlerErr != nil:
			return backoff.Permanent(handlerErr)
		case err == nil:
			return errSessionEnded
		default:
			return err
		}
	}

	err := backoff.RetryNotify(session, backoff.WithContext(schedule, ctx), s.onRetry)
	if err == nil || ctx.Err() != nil {
		return nil
	}

	return fmt.Errorf("reconnecting source: %w", err)
}
