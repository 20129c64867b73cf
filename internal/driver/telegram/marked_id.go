package telegram

import (
	"fmt"
	"strconv"
	"strings"
)

// channelIDOffset is the Bot API offset applied to channel and supergroup ids.
const channelIDOffset int64 = 1_000_000_000_000

// PeerKind identifies which MTProto peer namespace a raw id belongs to.
type PeerKind int

const (
	// PeerKindUser is a user or bot account.
	PeerKindUser PeerKind = iota + 1
	// PeerKindChat is a basic group.
	PeerKindChat
	// PeerKindChannel is a channel or supergroup.
	PeerKindChannel
)

// MarkedPeerID converts one raw MTProto id into the Bot API marked form:
// users keep their id, basic groups become -id and channels become
// -1000000000000-id. Conversation ids stay unique across namespaces.
func MarkedPeerID(kind PeerKind, rawID int64) int64 {
	switch kind {
	case PeerKindChat:
		return -rawID
	case PeerKindChannel:
		return -channelIDOffset - rawID
	default:
		return rawID
	}
}

// UnmarkPeerID reverses MarkedPeerID.
func UnmarkPeerID(marked int64) (PeerKind, int64, error) {
	switch {
	case marked > 0:
		return PeerKindUser, marked, nil
	case marked < -channelIDOffset:
		return PeerKindChannel, -marked - channelIDOffset, nil
	case marked < 0 && marked > -channelIDOffset:
		return PeerKindChat, -marked, nil
	default:
		return 0, 0, fmt.Errorf("unmark peer id %d: out of range", marked)
	}
}

func formatMarkedPeerID(kind PeerKind, rawID int64) string {
	return strconv.FormatInt(MarkedPeerID(kind, rawID), 10)
}

func parseMarkedPeerID(raw string) (PeerKind, int64, error) {
	marked, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("parse peer id %q: %w", raw, err)
	}

	return UnmarkPeerID(marked)
}
