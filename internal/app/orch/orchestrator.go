package orch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/QuizVoice/internal/app"
	"github.com/dkeye/QuizVoice/internal/app/sfu"
	"github.com/dkeye/QuizVoice/internal/auth"
	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSession   = errors.New("no session")
	ErrNotInRoom   = errors.New("not in room")
	ErrNotOwner    = errors.New("only the owner can close the room")
	ErrNotEntitled = errors.New("feature not available on your plan")
	ErrNoRelay     = errors.New("relay admission not configured")
	ErrNoPeer      = errors.New("target not in room")
)

// Entitlements is the feature lookup used for room gates.
type Entitlements interface {
	GetFeatures(ctx context.Context, uid domain.UserID) domain.FeatureSet
}

// Negotiator restarts offer/answer on a relay member after its track set changed.
type Negotiator interface {
	Renegotiate(sid core.SessionID)
}

// Orchestrator wires sessions, rooms and media. The coordination server
// sets Entitlements and RelayTokens; the relay sets Relays and Negotiator.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy

	Entitlements Entitlements
	RelayTokens  *auth.Issuer
	RelayURL     string

	Relays     *sfu.RelayManager
	Negotiator Negotiator
}

// Publish fans an envelope out to every member of roomID except from.
// An empty from reaches everyone.
func (o *Orchestrator) Publish(roomID domain.RoomID, from core.SessionID, event string, payload any) {
	frame, err := protocol.Encode(event, 0, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode broadcast")
		return
	}
	o.OnFrame(roomID, from, event, frame)
}

// PublishRelay fans a relay message out the same way.
func (o *Orchestrator) PublishRelay(roomID domain.RoomID, from core.SessionID, msg protocol.RelayMessage) {
	frame, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", msg.Type).Msg("encode relay broadcast")
		return
	}
	o.OnFrame(roomID, from, msg.Type, frame)
}

// OnFrame broadcasts an encoded event frame and applies the policy to every
// member that could not take it.
func (o *Orchestrator) OnFrame(roomID domain.RoomID, from core.SessionID, event string, data core.Frame) {
	room, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return
	}

	res := room.Broadcast(from, data)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(room, slow, event) {
		case app.KickMember:
			for _, snap := range o.Registry.MembersOfRoom(roomID) {
				if snap.Session == slow {
					log.Warn().Str("module", "orch").Str("sid", string(snap.SID)).Msg("kicking slow member")
					if sig := slow.Signal(); sig != nil {
						sig.Close()
					}
				}
			}
		case app.DropFrame:
			log.Debug().Str("module", "orch").Str("event", event).Msg("frame dropped for slow member")
		case app.MarkSlow, app.NoAction:
		}
	}
}

// Notify sends one envelope to one session.
func (o *Orchestrator) Notify(sid core.SessionID, event string, payload any) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok || sess.Signal() == nil {
		return
	}
	frame, err := protocol.Encode(event, 0, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode notify")
		return
	}
	if err := sess.Signal().TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("notify dropped")
	}
}

// member resolves the room sid is in and checks it against roomID.
func (o *Orchestrator) member(sid core.SessionID, roomID domain.RoomID) (core.RoomService, *domain.User, error) {
	cur, sess, ok := o.Registry.RoomOf(sid)
	if !ok || (roomID != "" && cur != roomID) {
		return nil, nil, ErrNotInRoom
	}
	rs, ok := o.Rooms.GetRoom(cur)
	if !ok {
		return nil, nil, ErrNotInRoom
	}
	return rs, sess.Meta(), nil
}
