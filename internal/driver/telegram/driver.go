package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"otogi-markov/pkg/otogi"
)

const (
	// DriverType is the drivers[].type value that selects this runtime.
	DriverType = "telegram"
	// DriverPlatform is stamped on every event this driver publishes.
	DriverPlatform otogi.Platform = otogi.PlatformTelegram

	defaultPublishTimeout = 2 * time.Second
)

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithName sets the driver instance id used as EventSource.ID.
func WithName(name string) DriverOption {
	return func(driver *Driver) {
		if name != "" {
			driver.name = name
		}
	}
}

// WithPublishTimeout bounds how long one event may wait on the kernel queue.
func WithPublishTimeout(timeout time.Duration) DriverOption {
	return func(driver *Driver) {
		if timeout > 0 {
			driver.publishTimeout = timeout
		}
	}
}

// WithErrorHandler receives decode and publish failures.
func WithErrorHandler(handler func(context.Context, error)) DriverOption {
	return func(driver *Driver) {
		if handler != nil {
			driver.report = handler
		}
	}
}

// Driver turns Telegram messages into article.created events.
type Driver struct {
	name           string
	source         UpdateSource
	decoder        Decoder
	publishTimeout time.Duration
	report         func(context.Context, error)
}

// NewDriver creates a driver reading from source.
func NewDriver(source UpdateSource, decoder Decoder, options ...DriverOption) (*Driver, error) {
	switch {
	case source == nil:
		return nil, errors.New("new telegram driver: nil source")
	case decoder == nil:
		return nil, errors.New("new telegram driver: nil decoder")
	}

	driver := &Driver{
		name:           DriverType,
		source:         source,
		decoder:        decoder,
		publishTimeout: defaultPublishTimeout,
		report:         func(context.Context, error) {},
	}
	for _, option := range options {
		option(driver)
	}

	return driver, nil
}

// Name returns the driver instance id.
func (d *Driver) Name() string {
	return d.name
}

// EventSource identifies events published by this driver.
func (d *Driver) EventSource() otogi.EventSource {
	return otogi.EventSource{Platform: DriverPlatform, ID: d.name}
}

// Start forwards updates to dispatcher until ctx ends.
func (d *Driver) Start(ctx context.Context, dispatcher otogi.EventDispatcher) error {
	if dispatcher == nil {
		return errors.New("start telegram driver: nil dispatcher")
	}

	err := d.source.Consume(ctx, func(updateCtx context.Context, update Update) error {
		d.forward(updateCtx, update, dispatcher)
		return nil
	})
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}

	return fmt.Errorf("telegram driver %s: consume updates: %w", d.name, err)
}

// forward never fails the update loop; one bad message is reported and skipped.
func (d *Driver) forward(ctx context.Context, update Update, dispatcher otogi.EventDispatcher) {
	event, err := decodeRecovering(ctx, d.decoder, update)
	if err != nil {
		d.report(ctx, fmt.Errorf("telegram update %s: %w", update.ID, err))
		return
	}
	event.Source = d.EventSource()

	publishCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	if err := dispatcher.Publish(publishCtx, event); err != nil {
		d.report(ctx, fmt.Errorf("telegram update %s: publish: %w", update.ID, err))
	}
}

// Shutdown is a no-op; the bot session is bound to the Start context.
func (d *Driver) Shutdown(context.Context) error {
	return nil
}
