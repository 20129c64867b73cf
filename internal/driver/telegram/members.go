package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"otogi-markov/pkg/otogi"

	gotdtelegram "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// MemberDirectory resolves conversation roles through Telegram participant
// lookups. Access hashes come from the shared peer cache.
type MemberDirectory struct {
	peers   *PeerCache
	rpc     memberRPC
	timeout time.Duration
}

// NewMemberDirectory creates a member directory backed by the gotd client.
func NewMemberDirectory(client *gotdtelegram.Client, peers *PeerCache, timeout time.Duration) (*MemberDirectory, error) {
	if client == nil {
		return nil, fmt.Errorf("new telegram member directory: nil client")
	}

	return newMemberDirectoryWithRPC(gotdMemberRPC{raw: client.API()}, peers, timeout)
}

func newMemberDirectoryWithRPC(rpc memberRPC, peers *PeerCache, timeout time.Duration) (*MemberDirectory, error) {
	if rpc == nil {
		return nil, fmt.Errorf("new telegram member directory: nil rpc adapter")
	}
	if peers == nil {
		return nil, fmt.Errorf("new telegram member directory: nil peer cache")
	}
	if timeout <= 0 {
		timeout = defaultOutboundTimeout
	}

	return &MemberDirectory{peers: peers, rpc: rpc, timeout: timeout}, nil
}

// MemberRole returns the role actorID holds in conversation.
//
// In a private conversation the only participant is its owner.
func (d *MemberDirectory) MemberRole(
	ctx context.Context,
	conversation otogi.Conversation,
	actorID string,
) (otogi.MemberRole, error) {
	userID, err := strconv.ParseInt(strings.TrimSpace(actorID), 10, 64)
	if err != nil || userID <= 0 {
		return "", fmt.Errorf("member role: invalid actor id %q: %w", actorID, otogi.ErrMemberNotFound)
	}
	kind, rawID, err := parseMarkedPeerID(conversation.ID)
	if err != nil {
		return "", fmt.Errorf("member role: %w", err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	switch kind {
	case PeerKindUser:
		if rawID != userID {
			return "", fmt.Errorf("member role in private %s: %w", conversation.ID, otogi.ErrMemberNotFound)
		}
		return otogi.MemberRoleOwner, nil
	case PeerKindChat:
		return d.chatRole(rpcCtx, rawID, userID)
	case PeerKindChannel:
		return d.channelRole(rpcCtx, conversation, userID)
	default:
		return "", fmt.Errorf("member role: unsupported conversation %s", conversation.ID)
	}
}

func (d *MemberDirectory) chatRole(ctx context.Context, chatID int64, userID int64) (otogi.MemberRole, error) {
	participants, err := d.rpc.ChatParticipants(ctx, chatID)
	if err != nil {
		return "", fmt.Errorf("member role in chat %d: %w", chatID, err)
	}

	for _, participant := range participants {
		if participant == nil || participant.GetUserID() != userID {
			continue
		}
		switch participant.(type) {
		case *tg.ChatParticipantCreator:
			return otogi.MemberRoleOwner, nil
		case *tg.ChatParticipantAdmin:
			return otogi.MemberRoleAdmin, nil
		default:
			return otogi.MemberRoleMember, nil
		}
	}

	return "", fmt.Errorf("member role in chat %d: %w", chatID, otogi.ErrMemberNotFound)
}

func (d *MemberDirectory) channelRole(
	ctx context.Context,
	conversation otogi.Conversation,
	userID int64,
) (otogi.MemberRole, error) {
	peer, err := d.peers.Resolve(conversation)
	if err != nil {
		return "", fmt.Errorf("member role in channel %s: %w", conversation.ID, err)
	}
	channelPeer, ok := peer.(*tg.InputPeerChannel)
	if !ok {
		return "", fmt.Errorf("member role in channel %s: unexpected peer %T", conversation.ID, peer)
	}
	user, ok := d.peers.ResolveUser(userID)
	if !ok {
		return "", fmt.Errorf("member role in channel %s: user %d not seen", conversation.ID, userID)
	}

	participant, err := d.rpc.ChannelParticipant(
		ctx,
		&tg.InputChannel{ChannelID: channelPeer.ChannelID, AccessHash: channelPeer.AccessHash},
		&tg.InputPeerUser{UserID: user.UserID, AccessHash: user.AccessHash},
	)
	if err != nil {
		if tgerr.Is(err, "USER_NOT_PARTICIPANT") {
			return "", fmt.Errorf("member role in channel %s: %w", conversation.ID, otogi.ErrMemberNotFound)
		}
		return "", fmt.Errorf("member role in channel %s: %w", conversation.ID, err)
	}

	switch participant.(type) {
	case *tg.ChannelParticipantCreator:
		return otogi.MemberRoleOwner, nil
	case *tg.ChannelParticipantAdmin:
		return otogi.MemberRoleAdmin, nil
	case *tg.ChannelParticipantLeft, *tg.ChannelParticipantBanned:
		return "", fmt.Errorf("member role in channel %s: %w", conversation.ID, otogi.ErrMemberNotFound)
	default:
		return otogi.MemberRoleMember, nil
	}
}

type memberRPC interface {
	ChatParticipants(ctx context.Context, chatID int64) ([]tg.ChatParticipantClass, error)
	ChannelParticipant(
		ctx context.Context,
		channel *tg.InputChannel,
		participant tg.InputPeerClass,
	) (tg.ChannelParticipantClass, error)
}

type gotdMemberRPC struct {
	raw *tg.Client
}

func (r gotdMemberRPC) ChatParticipants(ctx context.Context, chatID int64) ([]tg.ChatParticipantClass, error) {
	full, err := r.raw.MessagesGetFullChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("get full chat: %w", err)
	}
	chatFull, ok := full.FullChat.(*tg.ChatFull)
	if !ok {
		return nil, fmt.Errorf("get full chat: unexpected %T", full.FullChat)
	}
	participants, ok := chatFull.Participants.(*tg.ChatParticipants)
	if !ok {
		return nil, fmt.Errorf("get full chat: participant list unavailable")
	}

	return participants.Participants, nil
}

func (r gotdMemberRPC) ChannelParticipant(
	ctx context.Context,
	channel *tg.InputChannel,
	participant tg.InputPeerClass,
) (tg.ChannelParticipantClass, error) {
	result, err := r.raw.ChannelsGetParticipant(ctx, &tg.ChannelsGetParticipantRequest{
		Channel:     channel,
		Participant: participant,
	})
	if err != nil {
		return nil, fmt.Errorf("get channel participant: %w", err)
	}

	return result.Participant, nil
}
