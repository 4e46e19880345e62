package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/rs/zerolog/log"
)

// Join puts sid into roomID, creating the room on first join. A session is in
// at most one room; joining another leaves the old one first.
func (o *Orchestrator) Join(ctx context.Context, sid core.SessionID, roomID domain.RoomID, kind domain.RoomKind) (core.RoomService, domain.Participant, error) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return nil, domain.Participant{}, ErrNoSession
	}
	user := sess.Meta()

	if cur, _, ok := o.Registry.RoomOf(sid); ok {
		if cur == roomID {
			if rs, ok := o.Rooms.GetRoom(cur); ok {
				if p, ok := rs.Participant(user.ID); ok {
					return rs, p, nil
				}
			}
		}
		o.Leave(sid)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(cur)).Msg("left previous room")
	}

	rs, ok := o.Rooms.GetRoom(roomID)
	created := false
	if !ok {
		room, err := domain.NewRoom(roomID, kind, user.ID)
		if err != nil {
			return nil, domain.Participant{}, err
		}
		if room.Kind == domain.RoomKindCustom && !o.hasFeature(ctx, user.ID, domain.FeatureCustomRooms) {
			return nil, domain.Participant{}, ErrNotEntitled
		}
		rs, created = o.Rooms.GetOrCreate(room)
	}

	p, err := rs.AddMember(sid, sess)
	if err != nil {
		if created && rs.MemberCount() == 0 {
			o.Rooms.StopRoom(roomID)
		}
		return nil, domain.Participant{}, fmt.Errorf("join %s: %w", roomID, err)
	}
	o.Registry.UpdateRoom(sid, roomID)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomID)).Bool("created", created).Msg("added to room")

	o.Publish(roomID, sid, protocol.EventRoomUserJoined, protocol.UserJoined{RoomID: roomID, Participant: p})
	return rs, p, nil
}

func (o *Orchestrator) hasFeature(ctx context.Context, uid domain.UserID, feature string) bool {
	if o.Entitlements == nil {
		return false
	}
	return o.Entitlements.GetFeatures(ctx, uid).Has(feature)
}

// Leave removes sid from its room and tells the rest. Empty rooms are dropped.
func (o *Orchestrator) Leave(sid core.SessionID) (domain.RoomID, bool) {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return "", false
	}
	o.Registry.RemoveRoom(sid)
	rs, ok := o.Rooms.GetRoom(roomID)
	if !ok {
		return roomID, true
	}
	p, removed := rs.RemoveMember(sid)
	if !removed {
		// replaced by a newer session of the same user
		return roomID, true
	}

	if rs.MemberCount() == 0 {
		o.Rooms.StopRoom(roomID)
		log.Info().Str("module", "orch").Str("room", string(roomID)).Msg("room empty, stopped")
		return roomID, true
	}
	ref := protocol.UserRef{RoomID: roomID, UserID: p.UserID}
	if p.InVoice {
		o.Publish(roomID, "", protocol.EventVoiceUserLeft, ref)
	}
	o.Publish(roomID, "", protocol.EventRoomUserLeft, ref)
	if p.IsLeader {
		o.Publish(roomID, "", protocol.EventRoomState, o.State(rs))
	}
	return roomID, true
}

// Close ends roomID for everyone. Only its owner may do this.
func (o *Orchestrator) Close(sid core.SessionID, roomID domain.RoomID) error {
	rs, user, err := o.member(sid, roomID)
	if err != nil {
		return err
	}
	if rs.Room().OwnerID != user.ID {
		return ErrNotOwner
	}
	o.EvictRoom(roomID)
	return nil
}

// EvictRoom notifies and removes every member, then drops the room.
func (o *Orchestrator) EvictRoom(roomID domain.RoomID) {
	o.Publish(roomID, "", protocol.EventRoomClosed, protocol.RoomRef{RoomID: roomID})
	if rs, ok := o.Rooms.GetRoom(roomID); ok {
		for _, snap := range o.Registry.MembersOfRoom(roomID) {
			rs.RemoveMember(snap.SID)
			o.Registry.RemoveRoom(snap.SID)
		}
	}
	o.Rooms.StopRoom(roomID)
	log.Info().Str("module", "orch").Str("room", string(roomID)).Msg("room closed")
}

func (o *Orchestrator) State(rs core.RoomService) protocol.RoomState {
	return protocol.RoomState{Room: rs.Room(), Participants: rs.Participants()}
}

// OnDisconnect is the final cleanup of a signaling session.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	o.Leave(sid)
	o.Registry.Unbind(sid)
}
