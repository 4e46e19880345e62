// Package media is the client side of one relay-room connection. All local
// state is owned here and every change, error included, is reported through
// OnEvent subscribers; nothing is returned into unrelated goroutines.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/pubsub"
)

var (
	ErrAlreadyConnected = errors.New("media session already connected")
	ErrNotConnected     = errors.New("media session not connected")
	ErrPushToTalkOff    = errors.New("push-to-talk is not enabled")
)

type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventParticipantJoined
	EventParticipantLeft
	EventParticipantUpdated
	EventLocalState
	EventData
	EventError
)

// RemoteParticipant is the reduced view of another relay-room member.
type RemoteParticipant struct {
	Identity   domain.UserID
	Muted      bool
	Speaking   bool
	Subscribed bool
}

type LocalState struct {
	Connected  bool
	Muted      bool
	Speaking   bool
	PushToTalk bool
	Room       string
}

type Event struct {
	Type        EventType
	Participant RemoteParticipant
	Local       LocalState
	Topic       string
	Payload     []byte
	Kind        domain.ErrorKind
	Message     string
}

type Session struct {
	dialer core.RelayDialer
	log    zerolog.Logger

	// joinMu serializes Join and Leave.
	joinMu sync.Mutex

	mu           sync.Mutex
	room         core.RelayRoom
	leaving      bool
	state        LocalState
	participants map[domain.UserID]RemoteParticipant

	events pubsub.Topic[Event]
}

func NewSession(d core.RelayDialer) *Session {
	return &Session{
		dialer:       d,
		log:          log.With().Str("module", "media").Logger(),
		participants: make(map[domain.UserID]RemoteParticipant),
	}
}

func (s *Session) OnEvent(fn func(Event)) (unsubscribe func()) {
	return s.events.Subscribe(fn)
}

func (s *Session) ConnectionState() LocalState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Participants() map[domain.UserID]RemoteParticipant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.UserID]RemoteParticipant, len(s.participants))
	for id, p := range s.participants {
		out[id] = p
	}
	return out
}

func classify(err error) domain.ErrorKind {
	if errors.Is(err, core.ErrPermissionDenied) {
		return domain.ErrorKindPermission
	}
	return domain.ErrorKindTransient
}

func (s *Session) fail(err error) error {
	s.events.Publish(Event{Type: EventError, Kind: classify(err), Message: err.Error()})
	return err
}

// Join opens the one relay-room connection of this client. With push-to-talk
// enabled the microphone starts disabled.
func (s *Session) Join(ctx context.Context, token, roomName string) error {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	s.mu.Lock()
	if s.room != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	ptt := s.state.PushToTalk
	s.mu.Unlock()

	room, err := s.dialer.Dial(ctx, token, roomName)
	if err != nil {
		s.log.Warn().Err(err).Str("room", roomName).Msg("join failed")
		return s.fail(fmt.Errorf("join relay room: %w", err))
	}
	if ptt {
		if err := room.SetMicrophoneEnabled(ctx, false); err != nil {
			_ = room.Close()
			return s.fail(fmt.Errorf("disable microphone: %w", err))
		}
	}

	s.mu.Lock()
	s.room = room
	s.leaving = false
	s.state = LocalState{Connected: true, Muted: ptt, PushToTalk: ptt, Room: roomName}
	clear(s.participants)
	for _, p := range room.Participants() {
		if p.Identity == room.Identity() {
			continue
		}
		s.participants[p.Identity] = RemoteParticipant{Identity: p.Identity, Muted: p.Muted, Speaking: p.Speaking}
	}
	st := s.state
	roster := make([]RemoteParticipant, 0, len(s.participants))
	for _, p := range s.participants {
		roster = append(roster, p)
	}
	s.mu.Unlock()

	s.log.Info().Str("room", roomName).Int("participants", len(roster)).Msg("joined")
	s.events.Publish(Event{Type: EventConnected, Local: st})
	for _, p := range roster {
		s.events.Publish(Event{Type: EventParticipantJoined, Participant: p})
	}
	go s.loop(room)
	return nil
}

// Leave closes the relay room. It is a no-op when not connected.
func (s *Session) Leave() {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	s.mu.Lock()
	room := s.room
	if room == nil {
		s.mu.Unlock()
		return
	}
	s.leaving = true
	s.mu.Unlock()

	if err := room.Close(); err != nil {
		s.log.Debug().Err(err).Msg("close relay room")
	}
	s.reset(room)
}

// reset clears the session after room ended; only the first caller for a
// given room publishes EventDisconnected.
func (s *Session) reset(room core.RelayRoom) {
	s.mu.Lock()
	if s.room != room {
		s.mu.Unlock()
		return
	}
	s.room = nil
	ptt := s.state.PushToTalk
	s.state = LocalState{PushToTalk: ptt}
	clear(s.participants)
	st := s.state
	s.mu.Unlock()
	s.events.Publish(Event{Type: EventDisconnected, Local: st})
}

func (s *Session) connected() (core.RelayRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return nil, ErrNotConnected
	}
	return s.room, nil
}

// setLocal applies fn to the local state and publishes it when it changed.
func (s *Session) setLocal(fn func(*LocalState)) {
	s.mu.Lock()
	before := s.state
	fn(&s.state)
	st := s.state
	s.mu.Unlock()
	if st != before {
		s.events.Publish(Event{Type: EventLocalState, Local: st})
	}
}

// SetMuted disables or enables the microphone; the published state flips
// only after the relay room completed the microphone operation.
func (s *Session) SetMuted(ctx context.Context, muted bool) error {
	room, err := s.connected()
	if err != nil {
		return err
	}
	if err := room.SetMicrophoneEnabled(ctx, !muted); err != nil {
		return s.fail(fmt.Errorf("set microphone: %w", err))
	}
	s.setLocal(func(st *LocalState) {
		st.Muted = muted
		if muted {
			st.Speaking = false
		}
	})
	return nil
}

// SetPushToTalk switches push-to-talk. Enabling it mutes the microphone until
// PressTalk; disabling it leaves the microphone muted.
func (s *Session) SetPushToTalk(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	live := s.room != nil
	s.mu.Unlock()
	if enabled && live {
		if err := s.SetMuted(ctx, true); err != nil {
			return err
		}
	}
	s.setLocal(func(st *LocalState) {
		st.PushToTalk = enabled
		if enabled {
			st.Speaking = false
		}
	})
	return nil
}

// PressTalk opens the microphone while the push-to-talk key is held.
func (s *Session) PressTalk(ctx context.Context) error {
	return s.talk(ctx, true)
}

func (s *Session) ReleaseTalk(ctx context.Context) error {
	return s.talk(ctx, false)
}

func (s *Session) talk(ctx context.Context, on bool) error {
	room, err := s.connected()
	if err != nil {
		return err
	}
	if !s.ConnectionState().PushToTalk {
		return ErrPushToTalkOff
	}
	if err := room.SetMicrophoneEnabled(ctx, on); err != nil {
		return s.fail(fmt.Errorf("set microphone: %w", err))
	}
	if err := room.SetSpeaking(ctx, on); err != nil {
		s.log.Debug().Err(err).Msg("send speaking")
	}
	s.setLocal(func(st *LocalState) {
		st.Muted = !on
		st.Speaking = on
	})
	return nil
}

func (s *Session) SendData(ctx context.Context, payload []byte, topic string) error {
	room, err := s.connected()
	if err != nil {
		return err
	}
	if err := room.PublishData(ctx, payload, topic); err != nil {
		return s.fail(fmt.Errorf("send data: %w", err))
	}
	return nil
}

func (s *Session) loop(room core.RelayRoom) {
	for ev := range room.Events() {
		if ev.Type == core.RelayDisconnected {
			s.mu.Lock()
			local := s.leaving || s.room != room
			s.mu.Unlock()
			if !local {
				msg := "relay connection lost"
				if ev.Err != nil {
					msg = ev.Err.Error()
				}
				s.log.Warn().Str("reason", msg).Msg("relay disconnected")
				s.events.Publish(Event{Type: EventError, Kind: domain.ErrorKindTransient, Message: msg})
			}
			s.reset(room)
			continue
		}
		s.apply(room, ev)
	}
	s.reset(room)
}

// apply folds one relay event into the participant map. Events that change
// nothing publish nothing.
func (s *Session) apply(room core.RelayRoom, ev core.RelayEvent) {
	if ev.Type == core.RelayDataReceived {
		s.events.Publish(Event{Type: EventData, Participant: RemoteParticipant{Identity: ev.Identity}, Topic: ev.Topic, Payload: ev.Payload})
		return
	}
	if ev.Identity == "" || ev.Identity == room.Identity() {
		return
	}

	s.mu.Lock()
	if s.room != room {
		s.mu.Unlock()
		return
	}
	prev, known := s.participants[ev.Identity]
	next := prev
	next.Identity = ev.Identity
	typ := EventParticipantUpdated
	switch ev.Type {
	case core.RelayParticipantJoined:
		typ = EventParticipantJoined
	case core.RelayParticipantLeft:
		delete(s.participants, ev.Identity)
		s.mu.Unlock()
		if known {
			s.events.Publish(Event{Type: EventParticipantLeft, Participant: prev})
		}
		return
	case core.RelayMuteChanged:
		next.Muted = ev.Muted
		if ev.Muted {
			next.Speaking = false
		}
	case core.RelaySpeakingChanged:
		next.Speaking = ev.Speaking
	case core.RelayTrackSubscribed:
		next.Subscribed = true
	case core.RelayTrackUnsubscribed:
		if !known {
			s.mu.Unlock()
			return
		}
		next.Subscribed = false
	}
	if known && next == prev {
		s.mu.Unlock()
		return
	}
	if !known {
		typ = EventParticipantJoined
	}
	s.participants[ev.Identity] = next
	s.mu.Unlock()
	s.events.Publish(Event{Type: typ, Participant: next})
}
