package telegram

import (
	"testing"

	"otogi-markov/pkg/otogi"

	"github.com/gotd/td/tg"
)

func TestPeerCacheResolve(t *testing.T) {
	t.Parallel()

	cache := NewPeerCache()
	cache.RememberEnvelope(gotdUpdateEnvelope{
		usersByID: map[int64]*tg.User{7: {ID: 7, AccessHash: 70}},
		chatsByID: indexGotdChats([]tg.ChatClass{&tg.Channel{ID: 900, AccessHash: 9, Megagroup: true}}),
	})

	tests := []struct {
		name    string
		id      string
		want    tg.InputPeerClass
		wantErr bool
	}{
		{name: "user", id: "7", want: &tg.InputPeerUser{UserID: 7, AccessHash: 70}},
		{name: "basic group needs no hash", id: "-55", want: &tg.InputPeerChat{ChatID: 55}},
		{name: "supergroup", id: "-1000000000900", want: &tg.InputPeerChannel{ChannelID: 900, AccessHash: 9}},
		{name: "unseen user", id: "8", wantErr: true},
		{name: "garbage", id: "abc", wantErr: true},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			peer, err := cache.Resolve(otogi.Conversation{ID: testCase.id})
			if testCase.wantErr {
				if err == nil {
					t.Fatalf("resolve %s = %#v, want error", testCase.id, peer)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve %s failed: %v", testCase.id, err)
			}
			if peer.String() != testCase.want.String() {
				t.Fatalf("peer = %s, want %s", peer, testCase.want)
			}
		})
	}
}

func TestPeerCacheCopiesOnRead(t *testing.T) {
	t.Parallel()

	cache := NewPeerCache()
	cache.RememberConversation("-1000000000900", &tg.InputPeerChannel{ChannelID: 900, AccessHash: 9})

	first, err := cache.Resolve(otogi.Conversation{ID: "-1000000000900"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	first.(*tg.InputPeerChannel).AccessHash = 0

	second, err := cache.Resolve(otogi.Conversation{ID: "-1000000000900"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if second.(*tg.InputPeerChannel).AccessHash != 9 {
		t.Fatalf("cached access hash mutated through returned peer")
	}

	if _, ok := cache.ResolveUser(7); ok {
		t.Fatal("resolve unseen user succeeded")
	}
}
