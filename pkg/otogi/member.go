package otogi

import "context"

// ServiceMemberDirectory is the service registry key for conversation membership lookups.
const ServiceMemberDirectory = "otogi.member_directory"

// MemberRole is a neutral conversation privilege level.
type MemberRole string

const (
	// MemberRoleOwner is the conversation creator.
	MemberRoleOwner MemberRole = "owner"
	// MemberRoleAdmin is an administrator without ownership.
	MemberRoleAdmin MemberRole = "admin"
	// MemberRoleMember is an ordinary participant.
	MemberRoleMember MemberRole = "member"
)

// AtLeast reports whether r grants every privilege of required.
func (r MemberRole) AtLeast(required MemberRole) bool {
	return memberRoleRank(r) >= memberRoleRank(required) && memberRoleRank(r) > 0
}

func memberRoleRank(role MemberRole) int {
	switch role {
	case MemberRoleOwner:
		return 3
	case MemberRoleAdmin:
		return 2
	case MemberRoleMember:
		return 1
	default:
		return 0
	}
}

// MemberDirectory resolves actor privileges inside a conversation.
type MemberDirectory interface {
	// MemberRole returns the role actorID holds in conversation.
	//
	// It returns ErrMemberNotFound when the actor is not a participant.
	MemberRole(ctx context.Context, conversation Conversation, actorID string) (MemberRole, error)
}
