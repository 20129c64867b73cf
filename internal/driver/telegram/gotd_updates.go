package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"
)

const defaultGotdUpdateBuffer = 1024

// GotdUpdateChannel implements gotd's telegram.UpdateHandler and exposes the
// flattened updates as a channel for the bot source.
type GotdUpdateChannel struct {
	updates chan any
}

// NewGotdUpdateChannel creates a bounded bridge between gotd and the source loop.
func NewGotdUpdateChannel(buffer int) *GotdUpdateChannel {
	if buffer <= 0 {
		buffer = defaultGotdUpdateBuffer
	}

	return &GotdUpdateChannel{updates: make(chan any, buffer)}
}

// Updates returns the stream channel.
func (s *GotdUpdateChannel) Updates(context.Context) (<-chan any, error) {
	if s == nil || s.updates == nil {
		return nil, fmt.Errorf("gotd update channel: not initialized")
	}

	return s.updates, nil
}

// Handle flattens one gotd container and forwards each update. It blocks
// while the buffer is full so gotd applies backpressure to the connection.
func (s *GotdUpdateChannel) Handle(ctx context.Context, updates tg.UpdatesClass) error {
	batch, err := flattenGotdUpdates(updates)
	if err != nil {
		return fmt.Errorf("handle gotd updates: %w", err)
	}

	for _, item := range batch {
		select {
		case <-ctx.Done():
			return fmt.Errorf("handle gotd updates publish: %w", ctx.Err())
		case s.updates <- item:
		}
	}

	return nil
}

// gotdUpdateEnvelope carries one update together with the entities of the
// container it arrived in; access hashes for outbound calls come from them.
type gotdUpdateEnvelope struct {
	update     tg.UpdateClass
	occurredAt time.Time
	usersByID  map[int64]*tg.User
	chatsByID  map[int64]gotdChatInfo
}

type gotdChatInfo struct {
	title     string
	kind      PeerKind
	megagroup bool
	inputPeer tg.InputPeerClass
}

func flattenGotdUpdates(updates tg.UpdatesClass) ([]gotdUpdateEnvelope, error) {
	if updates == nil {
		return nil, fmt.Errorf("flatten gotd updates: nil updates")
	}

	switch typed := updates.(type) {
	case *tg.Updates:
		return flattenGotdBatch(typed.Updates, typed.Date, typed.Users, typed.Chats), nil
	case *tg.UpdatesCombined:
		return flattenGotdBatch(typed.Updates, typed.Date, typed.Users, typed.Chats), nil
	case *tg.UpdateShort:
		return []gotdUpdateEnvelope{{update: typed.Update, occurredAt: intToTimeUTC(typed.Date)}}, nil
	case *tg.UpdateShortMessage:
		message := &tg.Message{
			ID:      typed.ID,
			PeerID:  &tg.PeerUser{UserID: typed.UserID},
			Date:    typed.Date,
			Message: typed.Message,
		}
		message.SetFromID(&tg.PeerUser{UserID: typed.UserID})
		if replyTo, ok := typed.GetReplyTo(); ok {
			message.SetReplyTo(replyTo)
		}
		return []gotdUpdateEnvelope{shortMessageEnvelope(message, typed.Pts, typed.PtsCount)}, nil
	case *tg.UpdateShortChatMessage:
		message := &tg.Message{
			ID:      typed.ID,
			PeerID:  &tg.PeerChat{ChatID: typed.ChatID},
			Date:    typed.Date,
			Message: typed.Message,
		}
		message.SetFromID(&tg.PeerUser{UserID: typed.FromID})
		if replyTo, ok := typed.GetReplyTo(); ok {
			message.SetReplyTo(replyTo)
		}
		return []gotdUpdateEnvelope{shortMessageEnvelope(message, typed.Pts, typed.PtsCount)}, nil
	case *tg.UpdatesTooLong, *tg.UpdateShortSentMessage:
		return nil, nil
	default:
		return nil, fmt.Errorf("flatten gotd updates %s: unsupported container", updates.TypeName())
	}
}

func flattenGotdBatch(
	updates []tg.UpdateClass,
	date int,
	users []tg.UserClass,
	chats []tg.ChatClass,
) []gotdUpdateEnvelope {
	occurredAt := intToTimeUTC(date)
	usersByID := indexGotdUsers(users)
	chatsByID := indexGotdChats(chats)

	batch := make([]gotdUpdateEnvelope, 0, len(updates))
	for _, update := range updates {
		if update == nil {
			continue
		}
		batch = append(batch, gotdUpdateEnvelope{
			update:     update,
			occurredAt: occurredAt,
			usersByID:  usersByID,
			chatsByID:  chatsByID,
		})
	}

	return batch
}

func shortMessageEnvelope(message *tg.Message, pts int, ptsCount int) gotdUpdateEnvelope {
	return gotdUpdateEnvelope{
		update:     &tg.UpdateNewMessage{Message: message, Pts: pts, PtsCount: ptsCount},
		occurredAt: intToTimeUTC(message.Date),
	}
}

func indexGotdUsers(users []tg.UserClass) map[int64]*tg.User {
	if len(users) == 0 {
		return nil
	}

	out := make(map[int64]*tg.User, len(users))
	for _, user := range users {
		if user == nil {
			continue
		}
		if notEmpty, ok := user.AsNotEmpty(); ok && notEmpty != nil {
			out[notEmpty.ID] = notEmpty
		}
	}

	return out
}

func indexGotdChats(chats []tg.ChatClass) map[int64]gotdChatInfo {
	if len(chats) == 0 {
		return nil
	}

	out := make(map[int64]gotdChatInfo, len(chats))
	for _, chat := range chats {
		switch typed := chat.(type) {
		case *tg.Chat:
			out[typed.ID] = gotdChatInfo{
				title:     typed.Title,
				kind:      PeerKindChat,
				inputPeer: &tg.InputPeerChat{ChatID: typed.ID},
			}
		case *tg.ChatForbidden:
			out[typed.ID] = gotdChatInfo{
				title:     typed.Title,
				kind:      PeerKindChat,
				inputPeer: &tg.InputPeerChat{ChatID: typed.ID},
			}
		case *tg.Channel:
			out[typed.ID] = gotdChatInfo{
				title:     typed.Title,
				kind:      PeerKindChannel,
				megagroup: typed.Megagroup,
				inputPeer: &tg.InputPeerChannel{ChannelID: typed.ID, AccessHash: typed.AccessHash},
			}
		case *tg.ChannelForbidden:
			out[typed.ID] = gotdChatInfo{
				title:     typed.Title,
				kind:      PeerKindChannel,
				megagroup: typed.Megagroup,
				inputPeer: &tg.InputPeerChannel{ChannelID: typed.ID, AccessHash: typed.AccessHash},
			}
		}
	}

	return out
}

func intToTimeUTC(value int) time.Time {
	if value <= 0 {
		return time.Time{}
	}

	return time.Unix(int64(value), 0).UTC()
}
