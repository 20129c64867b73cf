package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"otogi-markov/pkg/otogi"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

func TestMemberDirectoryMemberRole(t *testing.T) {
	t.Parallel()

	basicGroup := otogi.Conversation{ID: "-55", Type: otogi.ConversationTypeGroup}
	supergroup := otogi.Conversation{ID: "-1000000000900", Type: otogi.ConversationTypeGroup}

	tests := []struct {
		name         string
		conversation otogi.Conversation
		actorID      string
		rpc          *memberRPCStub
		wantRole     otogi.MemberRole
		wantErr      error
	}{
		{
			name:         "private owner",
			conversation: otogi.Conversation{ID: "7", Type: otogi.ConversationTypePrivate},
			actorID:      "7",
			rpc:          &memberRPCStub{},
			wantRole:     otogi.MemberRoleOwner,
		},
		{
			name:         "private stranger",
			conversation: otogi.Conversation{ID: "7", Type: otogi.ConversationTypePrivate},
			actorID:      "8",
			rpc:          &memberRPCStub{},
			wantErr:      otogi.ErrMemberNotFound,
		},
		{
			name:         "basic group creator",
			conversation: basicGroup,
			actorID:      "7",
			rpc: &memberRPCStub{chat: []tg.ChatParticipantClass{
				&tg.ChatParticipant{UserID: 8},
				&tg.ChatParticipantCreator{UserID: 7},
			}},
			wantRole: otogi.MemberRoleOwner,
		},
		{
			name:         "basic group admin",
			conversation: basicGroup,
			actorID:      "7",
			rpc:          &memberRPCStub{chat: []tg.ChatParticipantClass{&tg.ChatParticipantAdmin{UserID: 7}}},
			wantRole:     otogi.MemberRoleAdmin,
		},
		{
			name:         "basic group absent",
			conversation: basicGroup,
			actorID:      "7",
			rpc:          &memberRPCStub{chat: []tg.ChatParticipantClass{&tg.ChatParticipant{UserID: 8}}},
			wantErr:      otogi.ErrMemberNotFound,
		},
		{
			name:         "supergroup admin",
			conversation: supergroup,
			actorID:      "7",
			rpc:          &memberRPCStub{channel: &tg.ChannelParticipantAdmin{}},
			wantRole:     otogi.MemberRoleAdmin,
		},
		{
			name:         "supergroup member",
			conversation: supergroup,
			actorID:      "7",
			rpc:          &memberRPCStub{channel: &tg.ChannelParticipant{}},
			wantRole:     otogi.MemberRoleMember,
		},
		{
			name:         "supergroup left",
			conversation: supergroup,
			actorID:      "7",
			rpc:          &memberRPCStub{channel: &tg.ChannelParticipantLeft{}},
			wantErr:      otogi.ErrMemberNotFound,
		},
		{
			name:         "supergroup not participant",
			conversation: supergroup,
			actorID:      "7",
			rpc:          &memberRPCStub{err: tgerr.New(400, "USER_NOT_PARTICIPANT")},
			wantErr:      otogi.ErrMemberNotFound,
		},
		{
			name:         "invalid actor",
			conversation: basicGroup,
			actorID:      "",
			rpc:          &memberRPCStub{},
			wantErr:      otogi.ErrMemberNotFound,
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			peers := NewPeerCache()
			peers.RememberEnvelope(gotdUpdateEnvelope{
				usersByID: map[int64]*tg.User{7: {ID: 7, AccessHash: 70}},
				chatsByID: indexGotdChats([]tg.ChatClass{&tg.Channel{ID: 900, AccessHash: 9, Megagroup: true}}),
			})
			directory, err := newMemberDirectoryWithRPC(testCase.rpc, peers, time.Second)
			if err != nil {
				t.Fatalf("new member directory failed: %v", err)
			}

			role, err := directory.MemberRole(context.Background(), testCase.conversation, testCase.actorID)
			if testCase.wantErr != nil {
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("error = %v, want %v", err, testCase.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("member role failed: %v", err)
			}
			if role != testCase.wantRole {
				t.Fatalf("role = %s, want %s", role, testCase.wantRole)
			}
		})
	}
}

func TestMemberDirectoryChannelRequiresKnownUser(t *testing.T) {
	t.Parallel()

	peers := NewPeerCache()
	peers.RememberEnvelope(gotdUpdateEnvelope{
		chatsByID: indexGotdChats([]tg.ChatClass{&tg.Channel{ID: 900, AccessHash: 9, Megagroup: true}}),
	})
	rpc := &memberRPCStub{channel: &tg.ChannelParticipantCreator{}}
	directory, err := newMemberDirectoryWithRPC(rpc, peers, time.Second)
	if err != nil {
		t.Fatalf("new member directory failed: %v", err)
	}

	_, err = directory.MemberRole(context.Background(), otogi.Conversation{ID: "-1000000000900"}, "7")
	if err == nil {
		t.Fatal("expected unknown user error")
	}
	if rpc.channelCalls != 0 {
		t.Fatalf("channel rpc calls = %d, want 0", rpc.channelCalls)
	}
}

type memberRPCStub struct {
	chat         []tg.ChatParticipantClass
	channel      tg.ChannelParticipantClass
	err          error
	channelCalls int
}

func (s *memberRPCStub) ChatParticipants(context.Context, int64) ([]tg.ChatParticipantClass, error) {
	if s.err != nil {
		return nil, s.err
	}

	return s.chat, nil
}

func (s *memberRPCStub) ChannelParticipant(
	context.Context,
	*tg.InputChannel,
	tg.InputPeerClass,
) (tg.ChannelParticipantClass, error) {
	s.channelCalls++
	if s.err != nil {
		return nil, s.err
	}

	return s.channel, nil
}
