package orch

import (
	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/rs/zerolog/log"
)

// JoinVoice marks sid as in voice and, when the room is not in fallback,
// returns a relay admission grant.
func (o *Orchestrator) JoinVoice(sid core.SessionID, roomID domain.RoomID) (*protocol.RelayJoin, error) {
	rs, user, err := o.member(sid, roomID)
	if err != nil {
		return nil, err
	}
	p, _ := rs.UpdateParticipant(user.ID, func(p *domain.Participant) { p.InVoice = true })
	o.Publish(roomID, "", protocol.EventVoiceUserJoined, protocol.UserRef{RoomID: roomID, UserID: p.UserID})
	if rs.Room().Fallback {
		return nil, nil
	}
	grant, err := o.GrantRelay(user.ID, roomID)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("relay grant failed")
		return nil, err
	}
	return &grant, nil
}

func (o *Orchestrator) GrantRelay(uid domain.UserID, roomID domain.RoomID) (protocol.RelayJoin, error) {
	if o.RelayTokens == nil {
		return protocol.RelayJoin{}, ErrNoRelay
	}
	token, err := o.RelayTokens.RelayToken(uid, roomID)
	if err != nil {
		return protocol.RelayJoin{}, err
	}
	return protocol.RelayJoin{Token: token, RoomID: roomID, URL: o.RelayURL}, nil
}

func (o *Orchestrator) LeaveVoice(sid core.SessionID, roomID domain.RoomID) error {
	rs, user, err := o.member(sid, roomID)
	if err != nil {
		return err
	}
	rs.UpdateParticipant(user.ID, func(p *domain.Participant) {
		p.InVoice = false
		p.Speaking = false
	})
	o.Publish(roomID, "", protocol.EventVoiceUserLeft, protocol.UserRef{RoomID: roomID, UserID: user.ID})
	return nil
}

func (o *Orchestrator) SetMuted(sid core.SessionID, roomID domain.RoomID, muted bool) error {
	rs, user, err := o.member(sid, roomID)
	if err != nil {
		return err
	}
	rs.UpdateParticipant(user.ID, func(p *domain.Participant) { p.VoiceMuted = muted })
	o.Publish(roomID, sid, protocol.EventVoiceUserMuted, protocol.UserMuted{RoomID: roomID, UserID: user.ID, Muted: muted})
	return nil
}

func (o *Orchestrator) SetSpeaking(sid core.SessionID, roomID domain.RoomID, speaking bool) error {
	rs, user, err := o.member(sid, roomID)
	if err != nil {
		return err
	}
	rs.UpdateParticipant(user.ID, func(p *domain.Participant) { p.Speaking = speaking })
	o.Publish(roomID, sid, protocol.EventVoiceUserSpeaking, protocol.UserSpeaking{RoomID: roomID, UserID: user.ID, Speaking: speaking})
	return nil
}

// ActivateFallback switches the whole room to direct peer mode. Only the
// first report broadcasts; later ones return false.
func (o *Orchestrator) ActivateFallback(sid core.SessionID, roomID domain.RoomID, reason string) (bool, error) {
	rs, user, err := o.member(sid, roomID)
	if err != nil {
		return false, err
	}
	if !rs.SetFallback(true) {
		return false, nil
	}
	log.Warn().Str("module", "orch").Str("room", string(roomID)).Str("by", string(user.ID)).Str("reason", reason).Msg("fallback activated")
	o.Publish(roomID, sid, protocol.EventVoiceFallbackActivated, protocol.FallbackActivated{
		RoomID: roomID,
		Mode:   protocol.FallbackModeP2P,
		Reason: reason,
	})
	return true, nil
}

// Forward relays a direct-peer negotiation message to its target.
func (o *Orchestrator) Forward(sid core.SessionID, event string, sig protocol.PeerSignal) error {
	_, user, err := o.member(sid, sig.RoomID)
	if err != nil {
		return err
	}
	dst, ok := o.Registry.SessionOfUser(sig.RoomID, sig.To)
	if !ok || dst.SID == sid {
		return ErrNoPeer
	}
	sig.From = user.ID
	o.Notify(dst.SID, event, sig)
	return nil
}
