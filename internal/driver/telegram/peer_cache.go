package telegram

import (
	"fmt"
	"sync"

	"otogi-markov/pkg/otogi"

	"github.com/gotd/td/tg"
)

// PeerCache remembers the access hashes of users and channels seen in
// updates, keyed by marked id. Outbound calls need them and conversation ids
// alone do not carry them.
type PeerCache struct {
	mu    sync.RWMutex
	peers map[int64]tg.InputPeerClass
}

// NewPeerCache creates an empty cache.
func NewPeerCache() *PeerCache {
	return &PeerCache{peers: make(map[int64]tg.InputPeerClass)}
}

// RememberEnvelope records every user and chat attached to envelope.
func (c *PeerCache) RememberEnvelope(envelope gotdUpdateEnvelope) {
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, user := range envelope.usersByID {
		if user != nil {
			c.peers[MarkedPeerID(PeerKindUser, id)] = user.AsInputPeer()
		}
	}
	for id, chat := range envelope.chatsByID {
		if chat.inputPeer != nil {
			c.peers[MarkedPeerID(chat.kind, id)] = copyInputPeer(chat.inputPeer)
		}
	}
}

// RememberConversation records peer under a marked conversation id.
func (c *PeerCache) RememberConversation(conversationID string, peer tg.InputPeerClass) {
	if c == nil || peer == nil {
		return
	}
	kind, id, err := parseMarkedPeerID(conversationID)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.peers[MarkedPeerID(kind, id)] = copyInputPeer(peer)
	c.mu.Unlock()
}

// Resolve returns the input peer for conversation. Basic groups resolve
// without having been seen since they need no access hash.
func (c *PeerCache) Resolve(conversation otogi.Conversation) (tg.InputPeerClass, error) {
	if c == nil {
		return nil, fmt.Errorf("resolve peer: nil cache")
	}
	kind, id, err := parseMarkedPeerID(conversation.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve peer: %w", err)
	}
	if kind == PeerKindChat {
		return &tg.InputPeerChat{ChatID: id}, nil
	}
	if peer, ok := c.lookup(MarkedPeerID(kind, id)); ok {
		return peer, nil
	}

	return nil, fmt.Errorf("resolve peer: conversation %s not seen", conversation.ID)
}

// ResolveUser returns the input user for a raw user id.
func (c *PeerCache) ResolveUser(userID int64) (*tg.InputUser, bool) {
	if c == nil {
		return nil, false
	}
	peer, ok := c.lookup(MarkedPeerID(PeerKindUser, userID))
	if !ok {
		return nil, false
	}
	user, ok := peer.(*tg.InputPeerUser)
	if !ok {
		return nil, false
	}

	return &tg.InputUser{UserID: user.UserID, AccessHash: user.AccessHash}, true
}

func (c *PeerCache) lookup(marked int64) (tg.InputPeerClass, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	peer, ok := c.peers[marked]
	if !ok {
		return nil, false
	}

	return copyInputPeer(peer), true
}

// copyInputPeer keeps cached peers immune to callers mutating the result.
func copyInputPeer(peer tg.InputPeerClass) tg.InputPeerClass {
	switch value := peer.(type) {
	case *tg.InputPeerUser:
		clone := *value
		return &clone
	case *tg.InputPeerChat:
		clone := *value
		return &clone
	case *tg.InputPeerChannel:
		clone := *value
		return &clone
	default:
		return peer
	}
}
