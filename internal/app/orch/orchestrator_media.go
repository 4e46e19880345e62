package orch

import (
	"context"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// JoinRelay adds sid to the relay room and returns the roster it joined.
func (o *Orchestrator) JoinRelay(sid core.SessionID, roomID domain.RoomID) ([]protocol.RelayParticipant, error) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return nil, ErrNoSession
	}
	// relay rooms carry no capacity; the coordination server admits members
	rs, _ := o.Rooms.GetOrCreate(&domain.Room{ID: roomID, Kind: domain.RoomKindMatch, Visibility: domain.VisibilityPrivate})

	roster := make([]protocol.RelayParticipant, 0, rs.MemberCount())
	for _, p := range rs.Participants() {
		if p.UserID == sess.Meta().ID {
			continue
		}
		roster = append(roster, protocol.RelayParticipant{Identity: string(p.UserID), Muted: p.VoiceMuted, Speaking: p.Speaking})
	}
	p, err := rs.AddMember(sid, sess)
	if err != nil {
		return nil, err
	}
	o.Registry.UpdateRoom(sid, roomID)
	o.PublishRelay(roomID, sid, protocol.RelayMessage{Type: protocol.RelayPeerJoined, Identity: string(p.UserID), Muted: p.VoiceMuted})
	return roster, nil
}

// LeaveRelay releases every media resource of sid and its membership.
func (o *Orchestrator) LeaveRelay(sid core.SessionID) {
	roomID, sess, ok := o.Registry.RoomOf(sid)
	o.KickBySID(sid)
	if ok {
		o.PublishRelay(roomID, sid, protocol.RelayMessage{Type: protocol.RelayPeerLeft, Identity: string(sess.Meta().ID)})
		if rs, ok := o.Rooms.GetRoom(roomID); ok && rs.MemberCount() == 0 {
			o.Rooms.StopRoom(roomID)
		}
	}
	o.Registry.Unbind(sid)
}

func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.cleanupMedia(sid)
	o.cleanupMembership(sid)
}

func (o *Orchestrator) cleanupMembership(sid core.SessionID) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	if room, ok := o.Rooms.GetRoom(roomID); ok {
		room.RemoveMember(sid)
	}
	o.Registry.RemoveRoom(sid)
}

func (o *Orchestrator) SetRelayMuted(sid core.SessionID, muted bool) error {
	rs, user, err := o.member(sid, "")
	if err != nil {
		return err
	}
	if o.Relays != nil {
		o.Relays.SetMuted(sid, muted)
	}
	rs.UpdateParticipant(user.ID, func(p *domain.Participant) { p.VoiceMuted = muted })
	o.PublishRelay(rs.Room().ID, sid, protocol.RelayMessage{Type: protocol.RelayPeerMuted, Identity: string(user.ID), Muted: muted})
	return nil
}

func (o *Orchestrator) SetRelaySpeaking(sid core.SessionID, speaking bool) error {
	rs, user, err := o.member(sid, "")
	if err != nil {
		return err
	}
	rs.UpdateParticipant(user.ID, func(p *domain.Participant) { p.Speaking = speaking })
	o.PublishRelay(rs.Room().ID, sid, protocol.RelayMessage{Type: protocol.RelayPeerSpeak, Identity: string(user.ID), Speaking: speaking})
	return nil
}

func (o *Orchestrator) RelayData(sid core.SessionID, topic string, payload []byte) error {
	rs, user, err := o.member(sid, "")
	if err != nil {
		return err
	}
	o.PublishRelay(rs.Room().ID, sid, protocol.RelayMessage{Type: protocol.RelayData, Identity: string(user.ID), Topic: topic, Payload: payload})
	return nil
}

func (o *Orchestrator) BindMediaHandlers(mc core.MediaConnection, sid core.SessionID) {
	mc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		o.OnTrack(trackCtx, sid, track)
	})
	mc.OnClosed(func() { o.OnMediaDisconnect(sid) })
}

func (o *Orchestrator) OnMediaDisconnect(sid core.SessionID) {
	o.cleanupMedia(sid)
}

func (o *Orchestrator) cleanupMedia(sid core.SessionID) {
	if o.Relays != nil {
		// Detach this speaker from every subscriber.
		for dstSID, ot := range o.Relays.StopRelay(sid) {
			o.detach(dstSID, ot.Sender)
		}

		roomID, _, ok := o.Registry.RoomOf(sid)
		if ok {
			for _, snap := range o.Registry.MembersOfRoom(roomID) {
				o.Relays.MarkSubscriberDelete(snap.SID, sid)
			}
		}
	}

	if sess, ok := o.Registry.GetSession(sid); ok {
		if mc := sess.Media(); mc != nil && !mc.IsClosed() {
			mc.Close()
		}
	}
}

func (o *Orchestrator) detach(dstSID core.SessionID, sender *webrtc.RTPSender) {
	sess, ok := o.Registry.GetSession(dstSID)
	if !ok || sess.Media() == nil || sess.Media().IsClosed() {
		return
	}
	if err := sess.Media().RemoveSender(sender); err != nil {
		log.Warn().Err(err).Str("module", "sfu").Str("sid", string(dstSID)).Msg("remove sender")
		return
	}
	o.renegotiate(dstSID)
}

func (o *Orchestrator) renegotiate(sid core.SessionID) {
	if o.Negotiator != nil {
		o.Negotiator.Renegotiate(sid)
	}
}

// OnTrack is called when a new remote media track appears for a given session.
func (o *Orchestrator) OnTrack(ctx context.Context, sid core.SessionID, track *webrtc.TrackRemote) {
	if o.Relays == nil {
		return
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Media() == nil {
		return
	}
	identity := sess.Meta().ID
	o.Relays.StartRelay(ctx, sid, string(identity), track)

	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		log.Info().
			Str("module", "sfu").
			Str("sid", string(sid)).
			Msg("OnTrack: no room for sid")
		return
	}
	if rs, ok := o.Rooms.GetRoom(roomID); ok {
		if p, ok := rs.Participant(identity); ok && p.VoiceMuted {
			o.Relays.SetMuted(sid, true)
		}
	}

	// Subscribe all existing members in the room to this speaker.
	for _, snap := range o.Registry.MembersOfRoom(roomID) {
		if snap.SID == sid {
			continue
		}
		pc := snap.Session.Media()
		if pc == nil || pc.IsClosed() {
			continue
		}
		if err := o.Relays.Subscribe(sid, snap.SID, pc); err != nil {
			log.Warn().Err(err).Str("module", "sfu").Str("src_sid", string(sid)).Str("dst_sid", string(snap.SID)).Msg("subscribe failed")
			continue
		}
		o.renegotiate(snap.SID)
	}
}

// OnMediaReady is called when MediaConnection is attached to the session (offer/answer done).
// It subscribes this user as a subscriber to all existing relays in the same room.
func (o *Orchestrator) OnMediaReady(sid core.SessionID) {
	if o.Relays == nil {
		return
	}
	roomID, sess, ok := o.Registry.RoomOf(sid)
	if !ok {
		return
	}
	mc := sess.Media()
	if mc == nil {
		return
	}

	added := 0
	for _, snap := range o.Registry.MembersOfRoom(roomID) {
		if snap.SID == sid || !o.Relays.HasRelay(snap.SID) {
			continue
		}
		if err := o.Relays.Subscribe(snap.SID, sid, mc); err != nil {
			log.Warn().Err(err).Str("module", "sfu").Str("dst_sid", string(sid)).Msg("subscribe failed")
			continue
		}
		added++
	}
	if added > 0 {
		o.renegotiate(sid)
	}
}
