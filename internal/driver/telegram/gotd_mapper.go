package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"otogi-markov/pkg/otogi"

	"github.com/gotd/td/tg"
)

// GotdUpdateMapperOption configures DefaultGotdUpdateMapper.
type GotdUpdateMapperOption func(*DefaultGotdUpdateMapper)

// WithPeerCache makes the mapper record access hashes seen in updates, which
// the sink dispatcher and member directory need for their RPCs.
func WithPeerCache(cache *PeerCache) GotdUpdateMapperOption {
	return func(mapper *DefaultGotdUpdateMapper) {
		mapper.peers = cache
	}
}

// DefaultGotdUpdateMapper accepts new messages in private chats, groups and
// channels. Edits, service messages and everything else are skipped.
type DefaultGotdUpdateMapper struct {
	peers *PeerCache
}

// NewDefaultGotdUpdateMapper creates a mapper.
func NewDefaultGotdUpdateMapper(options ...GotdUpdateMapperOption) DefaultGotdUpdateMapper {
	var mapper DefaultGotdUpdateMapper
	for _, option := range options {
		option(&mapper)
	}

	return mapper
}

// Map implements GotdUpdateMapper.
func (m DefaultGotdUpdateMapper) Map(ctx context.Context, raw any) (Update, bool, error) {
	if err := ctx.Err(); err != nil {
		return Update{}, false, err
	}
	envelope, err := asEnvelope(raw)
	if err != nil {
		return Update{}, false, err
	}
	if m.peers != nil {
		m.peers.RememberEnvelope(envelope)
	}

	message, ok := newMessageOf(envelope.update)
	if !ok {
		return Update{}, false, nil
	}
	chat, inputPeer, ok := describeChat(message.PeerID, envelope)
	if !ok {
		return Update{}, false, nil
	}
	if m.peers != nil {
		m.peers.RememberConversation(chat.ID, inputPeer)
	}

	// Private chats omit from_id; the peer is the sender.
	sender, hasSender := message.GetFromID()
	if !hasSender && chat.Type == otogi.ConversationTypePrivate {
		sender, hasSender = message.PeerID, true
	}
	var actor ActorRef
	if user, isUser := sender.(*tg.PeerUser); hasSender && isUser {
		actor = describeUser(user.UserID, envelope)
	}

	payload := &MessagePayload{ID: strconv.Itoa(message.ID), Text: message.Message, ReplyToID: replyTarget(message)}
	occurredAt := intToTimeUTC(message.Date)
	if occurredAt.IsZero() {
		occurredAt = envelope.occurredAt
	}

	return Update{
		ID:         messageUpdateID(chat.ID, payload.ID),
		Type:       UpdateTypeMessage,
		OccurredAt: occurredAt,
		Chat:       chat,
		Actor:      actor,
		Message:    payload,
		Metadata:   map[string]string{"gotd_update": envelope.update.TypeName()},
	}, true, nil
}

func asEnvelope(raw any) (gotdUpdateEnvelope, error) {
	switch value := raw.(type) {
	case gotdUpdateEnvelope:
		return value, nil
	case *gotdUpdateEnvelope:
		if value == nil {
			return gotdUpdateEnvelope{}, errors.New("nil envelope")
		}
		return *value, nil
	case tg.UpdateClass:
		if value == nil {
			return gotdUpdateEnvelope{}, errors.New("nil update")
		}
		return gotdUpdateEnvelope{update: value, occurredAt: time.Now().UTC()}, nil
	default:
		return gotdUpdateEnvelope{}, fmt.Errorf("unsupported raw type %T", raw)
	}
}

func newMessageOf(update tg.UpdateClass) (*tg.Message, bool) {
	var class tg.MessageClass
	switch value := update.(type) {
	case *tg.UpdateNewMessage:
		class = value.Message
	case *tg.UpdateNewChannelMessage:
		class = value.Message
	}
	message, ok := class.(*tg.Message)

	return message, ok && message != nil
}

func replyTarget(message *tg.Message) string {
	reply, ok := message.GetReplyTo()
	if !ok {
		return ""
	}
	header, ok := reply.(*tg.MessageReplyHeader)
	if !ok {
		return ""
	}
	if id, ok := header.GetReplyToMsgID(); ok {
		return strconv.Itoa(id)
	}

	return ""
}

// describeChat resolves the conversation a message was posted in. inputPeer
// is nil when the envelope lacks the access hash.
func describeChat(peer tg.PeerClass, envelope gotdUpdateEnvelope) (chat ChatRef, inputPeer tg.InputPeerClass, ok bool) {
	switch value := peer.(type) {
	case *tg.PeerUser:
		chat = ChatRef{
			ID:    formatMarkedPeerID(PeerKindUser, value.UserID),
			Type:  otogi.ConversationTypePrivate,
			Title: describeUser(value.UserID, envelope).DisplayName,
		}
		if user := envelope.usersByID[value.UserID]; user != nil {
			inputPeer = user.AsInputPeer()
		}
	case *tg.PeerChat:
		chat = ChatRef{
			ID:    formatMarkedPeerID(PeerKindChat, value.ChatID),
			Type:  otogi.ConversationTypeGroup,
			Title: envelope.chatsByID[value.ChatID].title,
		}
		inputPeer = &tg.InputPeerChat{ChatID: value.ChatID}
	case *tg.PeerChannel:
		info, known := envelope.chatsByID[value.ChannelID]
		chat = ChatRef{
			ID:    formatMarkedPeerID(PeerKindChannel, value.ChannelID),
			Type:  otogi.ConversationTypeChannel,
			Title: info.title,
		}
		if known && info.megagroup {
			chat.Type = otogi.ConversationTypeGroup
		}
		inputPeer = info.inputPeer
	default:
		return ChatRef{}, nil, false
	}

	return chat, inputPeer, true
}

func describeUser(userID int64, envelope gotdUpdateEnvelope) ActorRef {
	if userID == 0 {
		return ActorRef{}
	}
	actor := ActorRef{ID: strconv.FormatInt(userID, 10)}
	user := envelope.usersByID[userID]
	if user == nil {
		return actor
	}

	actor.Username = user.Username
	actor.IsBot = user.Bot
	actor.DisplayName = strings.TrimSpace(user.FirstName + " " + user.LastName)
	if actor.DisplayName == "" {
		actor.DisplayName = user.Username
	}

	return actor
}

// messageUpdateID stays stable across redelivery of the same message.
func messageUpdateID(chatID, messageID string) string {
	return "tg:" + string(UpdateTypeMessage) + ":" + chatID + ":" + messageID
}
