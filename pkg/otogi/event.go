package otogi

import (
	"fmt"
	"time"
)

// EventKind identifies a neutral domain event type.
type EventKind string

const (
	// EventKindArticleCreated is emitted when a new article (chat message) is posted.
	EventKindArticleCreated EventKind = "article.created"
	// EventKindCommandReceived is derived by the kernel from an article that
	// invokes a registered command.
	EventKindCommandReceived EventKind = "command.received"
)

// Platform identifies an external chat platform.
type Platform string

const (
	// PlatformTelegram is Telegram.
	PlatformTelegram Platform = "telegram"
)

// ConversationType identifies conversation scope.
type ConversationType string

const (
	// ConversationTypePrivate is a direct conversation with one user.
	ConversationTypePrivate ConversationType = "private"
	// ConversationTypeGroup is a group conversation.
	ConversationTypeGroup ConversationType = "group"
	// ConversationTypeChannel is a broadcast channel.
	ConversationTypeChannel ConversationType = "channel"
)

// EventSource identifies the driver instance that produced an event.
type EventSource struct {
	Platform Platform
	ID       string
}

// Sink names the outbound route that answers events from this source.
func (s EventSource) Sink() EventSink {
	return EventSink(s)
}

// Event is the neutral envelope that drivers publish and modules consume.
type Event struct {
	// ID is a stable identifier for this event instance.
	ID string
	// Kind selects which payload branch is expected.
	Kind EventKind
	// OccurredAt is the source-platform timestamp.
	OccurredAt time.Time
	// Source identifies the driver instance that produced the event.
	Source EventSource
	// Conversation identifies where the event happened.
	Conversation Conversation
	// Actor identifies who initiated the event when available.
	Actor Actor
	// Article carries message content.
	Article *Article
	// Command carries the bound invocation for command events.
	Command *CommandInvocation
	// Metadata stores optional driver-provided key/value context.
	Metadata map[string]string
}

// Conversation identifies the neutral destination where an event occurred.
type Conversation struct {
	// ID is the stable conversation identifier on the source platform.
	ID string
	// Type describes the conversation scope.
	Type ConversationType
	// Title is a best-effort display label.
	Title string
}

// Actor identifies the account that initiated an event.
type Actor struct {
	ID          string
	Username    string
	DisplayName string
	IsBot       bool
}

// Article holds neutral message content.
type Article struct {
	// ID is the message identifier on the source platform.
	ID string
	// ReplyToID is the parent message identifier when this is a reply.
	ReplyToID string
	// Text is the message text body.
	Text string
}

// Validate checks envelope and payload coherence.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}
	if e.Conversation.ID == "" {
		return fmt.Errorf("%w: missing conversation id", ErrInvalidEvent)
	}

	switch e.Kind {
	case EventKindArticleCreated:
		if e.Article == nil {
			return fmt.Errorf("%w: %s requires article payload", ErrInvalidEvent, e.Kind)
		}
	case EventKindCommandReceived:
		if e.Command == nil {
			return fmt.Errorf("%w: %s requires command payload", ErrInvalidEvent, e.Kind)
		}
		if err := e.Command.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidEvent, e.Kind)
	}

	return nil
}
