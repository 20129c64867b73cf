package markov

import (
	"context"
	"errors"

	"otogi-markov/pkg/otogi"
)

// authorize reports whether the event author may run a command that needs
// required. Private chats are always allowed. Messages without an author are
// allowed as well: Telegram only hides the sender for channel posts and
// anonymous group admins.
func (m *Module) authorize(ctx context.Context, event *otogi.Event, required otogi.MemberRole) bool {
	if event.Conversation.Type == otogi.ConversationTypePrivate || event.Actor.ID == "" {
		return true
	}
	if m.members == nil {
		m.logger.WarnContext(ctx, "markov permission check without member directory",
			"conversation_id", event.Conversation.ID,
			"actor_id", event.Actor.ID,
		)
		return false
	}

	role, err := m.members.MemberRole(ctx, event.Conversation, event.Actor.ID)
	if err != nil {
		if !errors.Is(err, otogi.ErrMemberNotFound) {
			m.logger.WarnContext(ctx, "markov member role lookup failed",
				"conversation_id", event.Conversation.ID,
				"actor_id", event.Actor.ID,
				"error", err,
			)
		}
		return false
	}

	return role.AtLeast(required)
}
