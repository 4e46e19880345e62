package core

import (
	"slices"
	"sync"

	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/rs/zerolog/log"
)

type roomMember struct {
	session MemberSession
	part    *domain.Participant
	seq     uint64
}

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	mu     sync.RWMutex
	room   domain.Room
	bySID  map[SessionID]*roomMember
	byUser map[domain.UserID]SessionID
	seq    uint64
}

func NewRoomService(room *domain.Room) RoomService {
	return &roomImpl{
		room:   *room,
		bySID:  make(map[SessionID]*roomMember),
		byUser: make(map[domain.UserID]SessionID),
	}
}

func (r *roomImpl) Room() domain.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.room
}

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySID)
}

// AddMember registers ms under sid. A second session of the same user
// replaces the first one and keeps its participant facets.
func (r *roomImpl) AddMember(sid SessionID, ms MemberSession) (domain.Participant, error) {
	u := ms.Meta()
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldSID, ok := r.byUser[u.ID]; ok {
		m := r.bySID[oldSID]
		delete(r.bySID, oldSID)
		m.session = ms
		r.bySID[sid] = m
		r.byUser[u.ID] = sid
		log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(sid)).Str("user", string(u.ID)).Msg("member session replaced")
		return *m.part, nil
	}
	if r.room.Capacity > 0 && len(r.bySID) >= r.room.Capacity {
		return domain.Participant{}, ErrRoomFull
	}

	r.seq++
	p := domain.NewParticipant(u)
	p.IsLeader = len(r.bySID) == 0
	r.bySID[sid] = &roomMember{session: ms, part: p, seq: r.seq}
	r.byUser[u.ID] = sid
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(sid)).Str("user", string(u.ID)).Msg("member added")
	return *p, nil
}

// RemoveMember drops sid and hands leadership to the earliest remaining member.
func (r *roomImpl) RemoveMember(sid SessionID) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.bySID[sid]
	if !ok {
		return domain.Participant{}, false
	}
	delete(r.bySID, sid)
	delete(r.byUser, m.part.UserID)

	if m.part.IsLeader {
		var next *roomMember
		for _, other := range r.bySID {
			if next == nil || other.seq < next.seq {
				next = other
			}
		}
		if next != nil {
			next.part.IsLeader = true
		}
	}
	log.Info().Str("module", "core.room").Str("room", string(r.room.ID)).Str("sid", string(sid)).Msg("member removed")
	return *m.part, true
}

func (r *roomImpl) Participant(uid domain.UserID) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byUser[uid]
	if !ok {
		return domain.Participant{}, false
	}
	return *r.bySID[sid].part, true
}

func (r *roomImpl) UpdateParticipant(uid domain.UserID, fn func(*domain.Participant)) (domain.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sid, ok := r.byUser[uid]
	if !ok {
		return domain.Participant{}, false
	}
	p := r.bySID[sid].part
	fn(p)
	return *p, true
}

func (r *roomImpl) SetFallback(on bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.room.Fallback == on {
		return false
	}
	r.room.Fallback = on
	return true
}

func (r *roomImpl) Broadcast(from SessionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range r.bySID {
		if sid == from {
			continue
		}
		sig := m.session.Signal()
		if sig == nil {
			continue
		}
		if err := sig.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m.session)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// Participants returns members in join order.
func (r *roomImpl) Participants() []domain.Participant {
	r.mu.RLock()
	members := make([]*roomMember, 0, len(r.bySID))
	for _, m := range r.bySID {
		members = append(members, m)
	}
	out := make([]domain.Participant, 0, len(members))
	slices.SortFunc(members, func(a, b *roomMember) int { return int(a.seq) - int(b.seq) })
	for _, m := range members {
		out = append(out, *m.part)
	}
	r.mu.RUnlock()
	return out
}
