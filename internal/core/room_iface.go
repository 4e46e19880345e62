package core

import (
	"errors"

	"github.com/dkeye/QuizVoice/internal/domain"
)

var (
	ErrRoomFull   = errors.New("room is full")
	ErrRoomClosed = errors.New("room is closed")
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the core-facing API of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Room() domain.Room
	MemberCount() int
	Participants() []domain.Participant
	Participant(uid domain.UserID) (domain.Participant, bool)

	AddMember(sid SessionID, ms MemberSession) (domain.Participant, error)
	RemoveMember(sid SessionID) (domain.Participant, bool)
	// UpdateParticipant applies fn to the participant of uid under the room lock.
	UpdateParticipant(uid domain.UserID, fn func(*domain.Participant)) (domain.Participant, bool)
	// SetFallback reports whether the flag changed.
	SetFallback(on bool) bool
	Broadcast(from SessionID, data Frame) PublishResult
}

type RoomInfo struct {
	ID          domain.RoomID     `json:"id"`
	Kind        domain.RoomKind   `json:"kind"`
	Visibility  domain.Visibility `json:"visibility"`
	MemberCount int               `json:"client_count"`
}

type RoomManager interface {
	GetOrCreate(room *domain.Room) (RoomService, bool)
	GetRoom(id domain.RoomID) (RoomService, bool)
	List() []RoomInfo
	StopRoom(id domain.RoomID)
}
