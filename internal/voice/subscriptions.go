package voice

import (
	"context"

	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/fallback"
	"github.com/dkeye/QuizVoice/internal/health"
	"github.com/dkeye/QuizVoice/internal/media"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/dkeye/QuizVoice/internal/signalclient"
	"github.com/dkeye/QuizVoice/internal/store"
)

// subscribe folds every inbound source into the store. Handlers that need the
// network or the media stack queue work instead of doing it inline.
func (c *Controller) subscribe() {
	sig, st := c.sig, c.store
	unsubs := []func(){
		sig.OnStatus(func(s signalclient.Status) {
			st.Dispatch(store.ConnectionChanged{Status: store.ConnectionStatus(s)})
		}),

		signalclient.Subscribe(sig, protocol.EventRoomState, c.onRoomState),
		signalclient.Subscribe(sig, protocol.EventRoomUserJoined, func(m protocol.UserJoined) {
			st.Dispatch(store.ParticipantJoined{RoomID: m.RoomID, Participant: m.Participant})
		}),
		signalclient.Subscribe(sig, protocol.EventRoomUserLeft, func(m protocol.UserRef) {
			st.Dispatch(store.ParticipantLeft{RoomID: m.RoomID, UserID: m.UserID})
			c.dropPeer(m.RoomID, m.UserID)
		}),
		signalclient.Subscribe(sig, protocol.EventRoomClosed, c.onRoomClosed),

		signalclient.Subscribe(sig, protocol.EventChatMessage, func(m protocol.ChatMessage) {
			st.Dispatch(store.ChatReceived{Message: m})
		}),
		signalclient.Subscribe(sig, protocol.EventGameVote, func(v protocol.Vote) {
			st.Dispatch(store.VoteReceived{Vote: v})
		}),
		signalclient.Subscribe(sig, protocol.EventGamePlayerReady, func(m protocol.PlayerReady) {
			st.Dispatch(store.ParticipantReady{RoomID: m.RoomID, UserID: m.UserID, Ready: m.Ready})
		}),

		signalclient.Subscribe(sig, protocol.EventVoiceUserJoined, c.onVoiceUserJoined),
		signalclient.Subscribe(sig, protocol.EventVoiceUserLeft, func(m protocol.UserRef) {
			st.Dispatch(store.ParticipantInVoice{RoomID: m.RoomID, UserID: m.UserID, InVoice: false})
			c.dropPeer(m.RoomID, m.UserID)
		}),
		signalclient.Subscribe(sig, protocol.EventVoiceUserMuted, func(m protocol.UserMuted) {
			st.Dispatch(store.ParticipantMuted{RoomID: m.RoomID, UserID: m.UserID, Muted: m.Muted})
		}),
		signalclient.Subscribe(sig, protocol.EventVoiceUserSpeaking, func(m protocol.UserSpeaking) {
			st.Dispatch(store.ParticipantSpeaking{RoomID: m.RoomID, UserID: m.UserID, Speaking: m.Speaking})
		}),
		signalclient.Subscribe(sig, protocol.EventVoiceFallbackActivated, func(m protocol.FallbackActivated) {
			st.Dispatch(store.RoomFallback{RoomID: m.RoomID})
			c.enqueue(func(ctx context.Context) { c.activateFallback(ctx, m.RoomID, m.Reason, false) })
		}),
		signalclient.Subscribe(sig, protocol.EventVoiceRelayJoin, func(g protocol.RelayJoin) {
			c.enqueue(func(ctx context.Context) { c.joinRelay(ctx, g) })
		}),

		signalclient.Subscribe(sig, protocol.EventWebRTCOffer, func(m protocol.PeerSignal) {
			c.enqueue(func(ctx context.Context) { c.answer(ctx, m) })
		}),
		signalclient.Subscribe(sig, protocol.EventWebRTCAnswer, func(m protocol.PeerSignal) {
			c.enqueue(func(context.Context) { c.accept(m) })
		}),
		signalclient.Subscribe(sig, protocol.EventWebRTCCandidate, func(m protocol.PeerSignal) {
			// Offers and answers carry complete candidate sets.
			c.log.Debug().Str("from", string(m.From)).Msg("trickle candidate ignored")
		}),
		signalclient.Subscribe(sig, protocol.EventError, func(m protocol.ErrorPayload) {
			c.log.Warn().Str("error", m.Error).Msg("server error")
		}),

		c.media.OnEvent(c.onMedia),
		c.monitor.OnDecision(func(d health.Decision) {
			if !d.Activate {
				return
			}
			room := c.currentRoom()
			c.enqueue(func(ctx context.Context) { c.activateFallback(ctx, room, d.Reason, true) })
		}),
		c.monitor.OnStatus(func(h domain.HealthStatus) {
			st.Dispatch(store.HealthChanged{Status: h})
		}),
	}
	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsubs...)
	c.mu.Unlock()
}

// onRoomState replaces the room snapshot. After a reconnect the server has
// the client out of voice; a client that still wants voice asks again.
func (c *Controller) onRoomState(m protocol.RoomState) {
	c.store.Dispatch(store.RoomEntered{Room: m.Room, Participants: m.Participants})

	c.mu.Lock()
	self, want, room := c.self, c.wantVoice, c.room
	c.mu.Unlock()
	if !want || room != m.Room.ID {
		return
	}
	for _, p := range m.Participants {
		if p.UserID == self && !p.InVoice {
			go func() {
				ctx, cancel := context.WithTimeout(c.ctx, joinTimeout)
				defer cancel()
				if _, err := c.sig.Send(ctx, protocol.EventVoiceJoin, protocol.RoomRef{RoomID: room}); err != nil {
					c.log.Warn().Err(err).Str("room", string(room)).Msg("voice rejoin failed")
				}
			}()
			return
		}
	}
}

func (c *Controller) onRoomClosed(m protocol.RoomRef) {
	if c.currentRoom() != m.RoomID {
		return
	}
	c.teardownVoice()
	c.mu.Lock()
	c.room = ""
	c.mu.Unlock()
	c.sig.Forget(m.RoomID)
	c.store.Dispatch(store.RoomLeft{RoomID: m.RoomID})
	c.log.Info().Str("room", string(m.RoomID)).Msg("room closed")
}

// onVoiceUserJoined marks the participant in voice and, in fallback, dials
// newcomers this side is expected to offer to.
func (c *Controller) onVoiceUserJoined(m protocol.UserRef) {
	c.store.Dispatch(store.ParticipantInVoice{RoomID: m.RoomID, UserID: m.UserID, InVoice: true})
	self, ok := c.inFallback(m.RoomID)
	if !ok || m.UserID == self || !fallback.ShouldOffer(self, m.UserID) {
		return
	}
	c.enqueue(func(ctx context.Context) {
		if _, still := c.inFallback(m.RoomID); still {
			c.offer(ctx, m.RoomID, m.UserID)
		}
	})
}

func (c *Controller) dropPeer(room domain.RoomID, uid domain.UserID) {
	c.enqueue(func(context.Context) { c.pool.RemovePeerConnection(room, uid) })
}

// onMedia folds relay session events into the store. In relay mode the
// session is the authority for the local microphone state.
func (c *Controller) onMedia(ev media.Event) {
	switch ev.Type {
	case media.EventConnected, media.EventLocalState:
		c.store.Dispatch(store.LocalMuted{Muted: ev.Local.Muted})
		c.store.Dispatch(store.LocalSpeaking{Speaking: ev.Local.Speaking})
	case media.EventDisconnected:
		c.store.Dispatch(store.RelayDropped{})
	case media.EventError:
		c.store.Dispatch(store.VoiceFailed{Kind: ev.Kind, Message: ev.Message})
	case media.EventParticipantJoined, media.EventParticipantUpdated:
		room := c.currentRoom()
		c.store.Dispatch(store.ParticipantSpeaking{RoomID: room, UserID: ev.Participant.Identity, Speaking: ev.Participant.Speaking})
	case media.EventData:
		c.log.Debug().Str("from", string(ev.Participant.Identity)).Str("topic", ev.Topic).Int("bytes", len(ev.Payload)).Msg("relay data")
	}
}
