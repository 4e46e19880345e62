package store

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s := New(context.Background())
	t.Cleanup(s.Close)
	return s
}

func enterRoom(s *Store, self domain.UserID, ids ...domain.UserID) {
	s.Dispatch(SetSelf{UserID: self})
	ps := []domain.Participant{{UserID: self, IsLeader: true}}
	for _, id := range ids {
		ps = append(ps, domain.Participant{UserID: id})
	}
	s.Dispatch(RoomEntered{Room: domain.Room{ID: "R1", Kind: domain.RoomKindMatch}, Participants: ps})
}

func TestMuteLastWriteWinsPerParticipant(t *testing.T) {
	users := []domain.UserID{"a", "b", "c", "d"}
	for seed := uint64(1); seed <= 30; seed++ {
		r := rand.New(rand.NewPCG(seed, 7))
		s := New(context.Background())
		enterRoom(s, "self", users...)

		last := map[domain.UserID]bool{}
		for i := 0; i < 200; i++ {
			uid := users[r.IntN(len(users))]
			muted := r.IntN(2) == 1
			last[uid] = muted
			s.Dispatch(ParticipantMuted{RoomID: "R1", UserID: uid, Muted: muted})
		}
		for uid, want := range last {
			p := Select(s, ParticipantOf(uid))
			require.NotNil(t, p)
			assert.Equal(t, want, p.VoiceMuted, "seed %d user %s", seed, uid)
		}
		s.Close()
	}
}

func TestEventsForOtherRoomsIgnored(t *testing.T) {
	s := newStore(t)
	enterRoom(s, "self", "bob")
	v := s.Version()

	s.Dispatch(ParticipantMuted{RoomID: "R2", UserID: "bob", Muted: true})
	s.Dispatch(ParticipantJoined{RoomID: "R2", Participant: domain.Participant{UserID: "eve"}})
	s.Dispatch(ChatReceived{Message: protocol.ChatMessage{RoomID: "R2", Text: "hi"}})

	snap := s.Snapshot()
	assert.False(t, snap.Participants["bob"].VoiceMuted)
	assert.NotContains(t, snap.Participants, domain.UserID("eve"))
	assert.Empty(t, snap.Chat)
	assert.Equal(t, v, s.Version())
}

func TestVersionCountsQueuedActions(t *testing.T) {
	s := New(context.Background())
	for i := 0; i < 20; i++ {
		s.Dispatch(UIFlagSet{Flag: UIChatOpen, On: i%2 == 0})
	}
	assert.Equal(t, uint64(20), s.Version())
	s.Close()
	assert.Equal(t, uint64(20), s.Version())
}

func TestLocalMuteMirrorsSelfOnly(t *testing.T) {
	s := newStore(t)
	enterRoom(s, "self", "bob")
	s.Dispatch(VoiceConnected{RoomID: "R1", Mode: domain.VoiceModeRelay})
	s.Dispatch(LocalMuted{Muted: true})

	voice := Select(s, VoiceState)
	assert.True(t, voice.Muted)
	assert.True(t, voice.Connected)
	assert.Equal(t, domain.VoiceModeRelay, Select(s, ConnectionMode))

	self := Select(s, ParticipantOf("self"))
	bob := Select(s, ParticipantOf("bob"))
	require.NotNil(t, self)
	require.NotNil(t, bob)
	assert.True(t, self.VoiceMuted)
	assert.True(t, self.InVoice)
	assert.False(t, bob.VoiceMuted)

	s.Dispatch(ParticipantInVoice{RoomID: "R1", UserID: "bob", InVoice: true})
	assert.Len(t, Select(s, VoiceParticipants), 2)

	s.Dispatch(VoiceDisconnected{})
	voice = Select(s, VoiceState)
	assert.Equal(t, domain.VoiceModeDisconnected, voice.Mode)
	assert.False(t, voice.Muted)
	assert.Len(t, Select(s, VoiceParticipants), 1)
}

func TestVoiceErrorsAndFeatures(t *testing.T) {
	s := newStore(t)
	assert.False(t, Select(s, CanUse(domain.FeaturePushToTalk)))

	s.Dispatch(EntitlementLoaded{Tier: domain.TierPremium, Features: domain.FeaturesFor(domain.TierPremium)})
	assert.True(t, Select(s, CanUse(domain.FeaturePushToTalk)))

	s.Dispatch(VoiceFailed{Kind: domain.ErrorKindPermission, Message: "microphone permission denied"})
	assert.Equal(t, "microphone permission denied", Select(s, LastError))
	s.Dispatch(VoiceErrorCleared{})
	assert.Empty(t, Select(s, LastError))
}

func TestChatHistoryAndVotes(t *testing.T) {
	s := newStore(t)
	enterRoom(s, "self", "bob")
	for i := 0; i < chatHistory+5; i++ {
		s.Dispatch(ChatReceived{Message: protocol.ChatMessage{RoomID: "R1", Text: fmt.Sprint(i)}})
	}
	chat := Select(s, RecentChat(3))
	require.Len(t, chat, 3)
	assert.Equal(t, fmt.Sprint(chatHistory+4), chat[2].Text)
	assert.Len(t, s.Snapshot().Chat, chatHistory)
	assert.Empty(t, Select(s, RecentChat(-1)))
	assert.Len(t, Select(s, RecentChat(chatHistory*2)), chatHistory)

	s.Dispatch(VoteReceived{Vote: protocol.Vote{RoomID: "R1", UserID: "self", QuestionID: "q1", Choice: "a"}})
	s.Dispatch(VoteReceived{Vote: protocol.Vote{RoomID: "R1", UserID: "bob", QuestionID: "q1", Choice: "a"}})
	s.Dispatch(VoteReceived{Vote: protocol.Vote{RoomID: "R1", UserID: "bob", QuestionID: "q1", Choice: "b"}})
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, Select(s, VoteTally("q1")))

	s.Dispatch(RoomLeft{RoomID: "R1"})
	assert.Nil(t, Select(s, CurrentRoom))
	assert.Empty(t, Select(s, VoteTally("q1")))
}

func TestSubscribeCoalescesAndSkipsNoops(t *testing.T) {
	s := newStore(t)
	var mu sync.Mutex
	var versions []uint64
	s.Subscribe(func(v uint64) {
		mu.Lock()
		versions = append(versions, v)
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		s.Dispatch(LocalSpeaking{Speaking: i%2 == 0})
	}
	want := s.Version()
	assert.Equal(t, uint64(50), want)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(versions) > 0 && versions[len(versions)-1] == want
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	n := len(versions)
	mu.Unlock()
	assert.LessOrEqual(t, n, 50)

	// Same value again: no change, no notification.
	s.Dispatch(LocalSpeaking{Speaking: false})
	assert.Equal(t, want, s.Version())
}

func TestUIFlagsAndColdStart(t *testing.T) {
	s := newStore(t)
	s.Dispatch(UIFlagSet{Flag: UIChatOpen, On: true})
	s.Dispatch(ConnectionChanged{Status: ConnectionStatus{ColdStart: true, Attempts: 1}})
	snap := s.Snapshot()
	assert.True(t, snap.UI.ChatOpen)
	assert.True(t, snap.UI.ColdStartBanner)

	s.Dispatch(ConnectionChanged{Status: ConnectionStatus{Connected: true}})
	assert.False(t, s.Snapshot().UI.ColdStartBanner)
	assert.True(t, Select(s, Connection).Connected)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newStore(t)
	enterRoom(s, "self", "bob")
	snap := s.Snapshot()
	snap.Participants["bob"] = domain.Participant{UserID: "bob", VoiceMuted: true}
	snap.Room.ID = "other"
	assert.False(t, Select(s, ParticipantOf("bob")).VoiceMuted)
	assert.Equal(t, domain.RoomID("R1"), Select(s, CurrentRoom).ID)
}

func TestClosedStoreReturnsZero(t *testing.T) {
	s := New(context.Background())
	s.Close()
	s.Dispatch(SetSelf{UserID: "x"})
	assert.Nil(t, Select(s, CurrentRoom))
}

func TestRelayDropKeepsFallbackSession(t *testing.T) {
	s := newStore(t)
	enterRoom(s, "self", "bob")

	s.Dispatch(VoiceConnected{RoomID: "R1", Mode: domain.VoiceModeRelay})
	s.Dispatch(RelayDropped{})
	assert.Equal(t, domain.VoiceModeDisconnected, Select(s, ConnectionMode))
	assert.False(t, Select(s, ParticipantOf("self")).InVoice)

	s.Dispatch(VoiceConnected{RoomID: "R1", Mode: domain.VoiceModeFallback})
	s.Dispatch(RoomFallback{RoomID: "R1"})
	require.True(t, Select(s, CurrentRoom).Fallback)
	v := s.Version()
	s.Dispatch(RelayDropped{})
	s.Dispatch(RoomFallback{RoomID: "R1"})
	assert.Equal(t, domain.VoiceModeFallback, Select(s, ConnectionMode))
	assert.True(t, Select(s, CurrentRoom).Fallback)
	assert.Equal(t, v, s.Version())
}
