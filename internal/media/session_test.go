package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
)

type fakeRoom struct {
	id     domain.UserID
	roster []core.RelayPeer
	events chan core.RelayEvent

	mu      sync.Mutex
	mic     []bool
	micErr  error
	closed  bool
	onMicFn func(bool)
}

func newFakeRoom(id domain.UserID, roster ...core.RelayPeer) *fakeRoom {
	return &fakeRoom{id: id, roster: roster, events: make(chan core.RelayEvent, 16)}
}

func (r *fakeRoom) Identity() domain.UserID                          { return r.id }
func (r *fakeRoom) Participants() []core.RelayPeer                   { return r.roster }
func (r *fakeRoom) Events() <-chan core.RelayEvent                   { return r.events }
func (r *fakeRoom) SetSpeaking(context.Context, bool) error          { return nil }
func (r *fakeRoom) PublishData(context.Context, []byte, string) error { return nil }

func (r *fakeRoom) SetMicrophoneEnabled(_ context.Context, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.micErr != nil {
		return r.micErr
	}
	if r.onMicFn != nil {
		r.onMicFn(enabled)
	}
	r.mic = append(r.mic, enabled)
	return nil
}

func (r *fakeRoom) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.events <- core.RelayEvent{Type: core.RelayDisconnected}
	close(r.events)
	return nil
}

// drop simulates the relay going away.
func (r *fakeRoom) drop(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.events <- core.RelayEvent{Type: core.RelayDisconnected, Err: err}
	close(r.events)
}

type fakeDialer struct {
	room *fakeRoom
	err  error
}

func (d *fakeDialer) Dial(context.Context, string, string) (core.RelayRoom, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.room, nil
}

func (d *fakeDialer) Probe(context.Context, string) error { return d.err }

type recorder struct {
	mu  sync.Mutex
	evs []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	r.evs = append(r.evs, e)
	r.mu.Unlock()
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.evs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func setup(t *testing.T, room *fakeRoom) (*Session, *recorder) {
	t.Helper()
	s := NewSession(&fakeDialer{room: room})
	rec := &recorder{}
	s.OnEvent(rec.add)
	return s, rec
}

func TestJoinTwiceRejected(t *testing.T) {
	room := newFakeRoom("alice", core.RelayPeer{Identity: "bob", Muted: true})
	s, rec := setup(t, room)

	require.NoError(t, s.Join(context.Background(), "tok", "R1"))
	assert.ErrorIs(t, s.Join(context.Background(), "tok", "R1"), ErrAlreadyConnected)

	st := s.ConnectionState()
	assert.True(t, st.Connected)
	assert.Equal(t, "R1", st.Room)
	assert.Equal(t, map[domain.UserID]RemoteParticipant{"bob": {Identity: "bob", Muted: true}}, s.Participants())
	assert.Len(t, rec.ofType(EventConnected), 1)
	assert.Len(t, rec.ofType(EventParticipantJoined), 1)
}

func TestParticipantEventsIdempotent(t *testing.T) {
	room := newFakeRoom("alice")
	s, rec := setup(t, room)
	require.NoError(t, s.Join(context.Background(), "tok", "R1"))

	room.events <- core.RelayEvent{Type: core.RelayParticipantJoined, Identity: "bob"}
	room.events <- core.RelayEvent{Type: core.RelayParticipantJoined, Identity: "bob"}
	room.events <- core.RelayEvent{Type: core.RelayMuteChanged, Identity: "bob", Muted: true}
	room.events <- core.RelayEvent{Type: core.RelayMuteChanged, Identity: "bob", Muted: true}
	room.events <- core.RelayEvent{Type: core.RelayTrackSubscribed, Identity: "bob"}
	room.events <- core.RelayEvent{Type: core.RelayParticipantJoined, Identity: "alice"}

	assert.Eventually(t, func() bool {
		return s.Participants()["bob"].Subscribed
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, rec.ofType(EventParticipantJoined), 1)
	assert.Len(t, rec.ofType(EventParticipantUpdated), 2)
	assert.Equal(t, RemoteParticipant{Identity: "bob", Muted: true, Subscribed: true}, s.Participants()["bob"])
	assert.NotContains(t, s.Participants(), domain.UserID("alice"))

	room.events <- core.RelayEvent{Type: core.RelayParticipantLeft, Identity: "bob"}
	room.events <- core.RelayEvent{Type: core.RelayParticipantLeft, Identity: "bob"}
	room.events <- core.RelayEvent{Type: core.RelayTrackUnsubscribed, Identity: "bob"}
	assert.Eventually(t, func() bool { return len(rec.ofType(EventParticipantLeft)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Participants())
	assert.Len(t, rec.ofType(EventParticipantLeft), 1)
}

func TestSetMutedResolvesBeforeStateFlips(t *testing.T) {
	room := newFakeRoom("alice")
	s, rec := setup(t, room)
	require.NoError(t, s.Join(context.Background(), "tok", "R1"))

	var mutedDuringOp bool
	room.onMicFn = func(bool) { mutedDuringOp = s.ConnectionState().Muted }

	require.NoError(t, s.SetMuted(context.Background(), true))
	assert.False(t, mutedDuringOp)
	assert.True(t, s.ConnectionState().Muted)
	assert.Equal(t, []bool{false}, room.mic)
	require.Len(t, rec.ofType(EventLocalState), 1)

	room.onMicFn = nil
	room.micErr = errors.New("track gone")
	assert.Error(t, s.SetMuted(context.Background(), false))
	assert.True(t, s.ConnectionState().Muted)
	errs := rec.ofType(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.ErrorKindTransient, errs[0].Kind)
}

func TestPushToTalk(t *testing.T) {
	room := newFakeRoom("alice")
	s, _ := setup(t, room)

	require.NoError(t, s.SetPushToTalk(context.Background(), true))
	require.NoError(t, s.Join(context.Background(), "tok", "R1"))
	assert.True(t, s.ConnectionState().Muted)

	require.NoError(t, s.PressTalk(context.Background()))
	st := s.ConnectionState()
	assert.False(t, st.Muted)
	assert.True(t, st.Speaking)

	require.NoError(t, s.ReleaseTalk(context.Background()))
	st = s.ConnectionState()
	assert.True(t, st.Muted)
	assert.False(t, st.Speaking)
	assert.Equal(t, []bool{false, true, false}, room.mic)

	require.NoError(t, s.SetPushToTalk(context.Background(), false))
	assert.ErrorIs(t, s.PressTalk(context.Background()), ErrPushToTalkOff)
}

func TestPermissionDeniedSurfacesOnce(t *testing.T) {
	s := NewSession(&fakeDialer{err: fmt.Errorf("open audio: %w", core.ErrPermissionDenied)})
	rec := &recorder{}
	s.OnEvent(rec.add)

	err := s.Join(context.Background(), "tok", "R1")
	assert.ErrorIs(t, err, core.ErrPermissionDenied)
	errs := rec.ofType(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, domain.ErrorKindPermission, errs[0].Kind)
	assert.False(t, s.ConnectionState().Connected)
}

func TestLeaveIsQuiet(t *testing.T) {
	room := newFakeRoom("alice")
	s, rec := setup(t, room)
	require.NoError(t, s.Join(context.Background(), "tok", "R1"))

	s.Leave()
	s.Leave()
	assert.Eventually(t, func() bool { return len(rec.ofType(EventDisconnected)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.ofType(EventError))
	assert.Len(t, rec.ofType(EventDisconnected), 1)
	assert.ErrorIs(t, s.SetMuted(context.Background(), true), ErrNotConnected)
}

func TestRelayDropReportsError(t *testing.T) {
	room := newFakeRoom("alice")
	s, rec := setup(t, room)
	require.NoError(t, s.Join(context.Background(), "tok", "R1"))

	room.drop(errors.New("relay went away"))
	assert.Eventually(t, func() bool { return len(rec.ofType(EventDisconnected)) == 1 }, time.Second, 5*time.Millisecond)
	errs := rec.ofType(EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "relay went away", errs[0].Message)
	assert.False(t, s.ConnectionState().Connected)
}
