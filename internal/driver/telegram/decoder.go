package telegram

import (
	"context"
	"fmt"
	"time"

	"otogi-markov/pkg/otogi"
)

// UpdateType names the kind of adapter update.
type UpdateType string

// UpdateTypeMessage is a newly posted message.
const UpdateTypeMessage UpdateType = "message"

// Update is a platform message already stripped of gotd types.
type Update struct {
	ID         string
	Type       UpdateType
	OccurredAt time.Time
	Chat       ChatRef
	Actor      ActorRef
	Message    *MessagePayload
	Metadata   map[string]string
}

// ChatRef is the chat an update belongs to. ID is a marked id, see MarkedPeerID.
type ChatRef struct {
	ID    string
	Title string
	Type  otogi.ConversationType
}

func (c ChatRef) conversation() otogi.Conversation {
	return otogi.Conversation{ID: c.ID, Type: c.Type, Title: c.Title}
}

// ActorRef is the message author. ID stays empty for anonymous channel posts.
type ActorRef struct {
	ID          string
	Username    string
	DisplayName string
	IsBot       bool
}

func (a ActorRef) actor() otogi.Actor {
	return otogi.Actor{ID: a.ID, Username: a.Username, DisplayName: a.DisplayName, IsBot: a.IsBot}
}

// MessagePayload carries the text of a message.
type MessagePayload struct {
	ID        string
	ReplyToID string
	Text      string
}

// Decoder builds kernel events from adapter updates.
type Decoder interface {
	Decode(ctx context.Context, update Update) (*otogi.Event, error)
}

// DefaultDecoder emits article.created for message updates and rejects the rest.
type DefaultDecoder struct {
	now func() time.Time
}

// NewDefaultDecoder stamps updates lacking a timestamp with the wall clock.
func NewDefaultDecoder() DefaultDecoder {
	return DefaultDecoder{now: time.Now}
}

// Decode validates and converts update.
func (d DefaultDecoder) Decode(_ context.Context, update Update) (*otogi.Event, error) {
	switch {
	case update.Type != UpdateTypeMessage:
		return nil, fmt.Errorf("decode %s: unsupported type", update.Type)
	case update.Message == nil:
		return nil, fmt.Errorf("decode %s: missing message payload", update.Type)
	}

	occurredAt := update.OccurredAt
	if occurredAt.IsZero() && d.now != nil {
		occurredAt = d.now().UTC()
	}

	event := &otogi.Event{
		ID:           update.ID,
		Kind:         otogi.EventKindArticleCreated,
		OccurredAt:   occurredAt,
		Conversation: update.Chat.conversation(),
		Actor:        update.Actor.actor(),
		Article: &otogi.Article{
			ID:        update.Message.ID,
			ReplyToID: update.Message.ReplyToID,
			Text:      update.Message.Text,
		},
		Metadata: update.Metadata,
	}
	if err := event.Validate(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", update.Type, err)
	}

	return event, nil
}

func decodeRecovering(ctx context.Context, decoder Decoder, update Update) (event *otogi.Event, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			event, err = nil, fmt.Errorf("decoder panic: %v", recovered)
		}
	}()

	return decoder.Decode(ctx, update)
}
