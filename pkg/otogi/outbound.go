package otogi

import (
	"context"
	"fmt"
)

// ServiceSinkDispatcher is the service registry key for outbound messaging.
const ServiceSinkDispatcher = "otogi.sink_dispatcher"

// EventSink identifies the driver instance that should deliver an outbound operation.
type EventSink struct {
	Platform Platform
	ID       string
}

// SinkDispatcher sends neutral outbound operations to a platform sink.
type SinkDispatcher interface {
	// SendMessage publishes a new text message to a destination conversation.
	SendMessage(ctx context.Context, request SendMessageRequest) (*OutboundMessage, error)
}

// OutboundTarget identifies where an outbound operation should be delivered.
type OutboundTarget struct {
	// Conversation identifies the destination conversation.
	Conversation Conversation
	// Sink optionally overrides configured routing for this operation.
	Sink *EventSink
}

// Validate checks target identity fields used for outbound routing.
func (t OutboundTarget) Validate() error {
	if t.Conversation.ID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidOutboundRequest)
	}
	if t.Conversation.Type == "" {
		return fmt.Errorf("%w: missing conversation type", ErrInvalidOutboundRequest)
	}
	if t.Sink != nil && t.Sink.Platform == "" && t.Sink.ID == "" {
		return fmt.Errorf("%w: missing sink identity", ErrInvalidOutboundRequest)
	}

	return nil
}

// OutboundTargetFromEvent derives a reply target from an inbound event.
//
// The reply is routed back through the sink matching the event source.
func OutboundTargetFromEvent(event *Event) (OutboundTarget, error) {
	if event == nil {
		return OutboundTarget{}, fmt.Errorf("%w: nil event", ErrInvalidOutboundRequest)
	}

	target := OutboundTarget{Conversation: event.Conversation}
	if event.Source != (EventSource{}) {
		sink := event.Source.Sink()
		target.Sink = &sink
	}
	if err := target.Validate(); err != nil {
		return OutboundTarget{}, fmt.Errorf("derive target from event %s: %w", event.Kind, err)
	}

	return target, nil
}

// OutboundMessage identifies a message emitted by a dispatcher.
type OutboundMessage struct {
	// ID is the destination-platform message identifier.
	ID string
	// Target is where the message was delivered.
	Target OutboundTarget
}

// SendMessageRequest describes a new outbound text message.
type SendMessageRequest struct {
	Target           OutboundTarget
	Text             string
	ReplyToMessageID string
}

// Validate checks the request envelope before dispatch.
func (r SendMessageRequest) Validate() error {
	if err := r.Target.Validate(); err != nil {
		return fmt.Errorf("validate send message target: %w", err)
	}
	if r.Text == "" {
		return fmt.Errorf("%w: missing message text", ErrInvalidOutboundRequest)
	}

	return nil
}
