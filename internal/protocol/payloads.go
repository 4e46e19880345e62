package protocol

import (
	"time"

	"github.com/dkeye/QuizVoice/internal/domain"
)

type RoomJoin struct {
	RoomID domain.RoomID   `json:"roomId" validate:"required,max=64"`
	Kind   domain.RoomKind `json:"kind,omitempty" validate:"omitempty,oneof=match clan custom"`
}

// RoomRef is the payload of every event that only names a room.
type RoomRef struct {
	RoomID domain.RoomID `json:"roomId" validate:"required,max=64"`
}

type RoomState struct {
	Room         domain.Room          `json:"room"`
	Participants []domain.Participant `json:"participants"`
}

type UserJoined struct {
	RoomID      domain.RoomID      `json:"roomId"`
	Participant domain.Participant `json:"participant"`
}

type UserRef struct {
	RoomID domain.RoomID `json:"roomId"`
	UserID domain.UserID `json:"userId"`
}

type ChatSend struct {
	RoomID domain.RoomID `json:"roomId" validate:"required"`
	Text   string        `json:"text" validate:"required,max=500"`
}

type ChatMessage struct {
	ID       string        `json:"id"`
	RoomID   domain.RoomID `json:"roomId"`
	UserID   domain.UserID `json:"userId"`
	Username string        `json:"username"`
	Text     string        `json:"text"`
	SentAt   time.Time     `json:"sentAt"`
}

type VoteCast struct {
	RoomID     domain.RoomID `json:"roomId" validate:"required"`
	QuestionID string        `json:"questionId" validate:"required"`
	Choice     string        `json:"choice" validate:"required"`
}

type Vote struct {
	RoomID     domain.RoomID `json:"roomId"`
	UserID     domain.UserID `json:"userId"`
	QuestionID string        `json:"questionId"`
	Choice     string        `json:"choice"`
}

type ReadySet struct {
	RoomID domain.RoomID `json:"roomId" validate:"required"`
	Ready  bool          `json:"ready"`
}

type PlayerReady struct {
	RoomID domain.RoomID `json:"roomId"`
	UserID domain.UserID `json:"userId"`
	Ready  bool          `json:"ready"`
}

type VoiceMute struct {
	RoomID domain.RoomID `json:"roomId" validate:"required"`
	Muted  bool          `json:"muted"`
}

type VoicePushToTalk struct {
	RoomID   domain.RoomID `json:"roomId" validate:"required"`
	Speaking bool          `json:"speaking"`
}

type VoiceFallback struct {
	RoomID domain.RoomID `json:"roomId" validate:"required"`
	Reason string        `json:"reason,omitempty"`
}

type UserMuted struct {
	RoomID domain.RoomID `json:"roomId"`
	UserID domain.UserID `json:"userId"`
	Muted  bool          `json:"muted"`
}

type UserSpeaking struct {
	RoomID   domain.RoomID `json:"roomId"`
	UserID   domain.UserID `json:"userId"`
	Speaking bool          `json:"speaking"`
}

type FallbackActivated struct {
	RoomID domain.RoomID `json:"roomId"`
	Mode   string        `json:"mode"`
	Reason string        `json:"reason,omitempty"`
}

// RelayJoin grants admission to the relay room of RoomID.
type RelayJoin struct {
	Token  string        `json:"token"`
	RoomID domain.RoomID `json:"roomId"`
	URL    string        `json:"url,omitempty"`
}

// PeerSignal carries direct peer negotiation. From is filled by the server.
type PeerSignal struct {
	RoomID    domain.RoomID `json:"roomId" validate:"required"`
	To        domain.UserID `json:"to,omitempty"`
	From      domain.UserID `json:"from,omitempty"`
	SDP       string        `json:"sdp,omitempty"`
	Candidate string        `json:"candidate,omitempty"`
}
