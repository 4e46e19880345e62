package core

import (
	"context"

	"github.com/dkeye/QuizVoice/internal/domain"
)

// RelayEventType enumerates what a relay room reports to its owner.
type RelayEventType int

const (
	RelayParticipantJoined RelayEventType = iota
	RelayParticipantLeft
	RelayMuteChanged
	RelaySpeakingChanged
	RelayTrackSubscribed
	RelayTrackUnsubscribed
	RelayDataReceived
	RelayDisconnected
)

type RelayEvent struct {
	Type     RelayEventType
	Identity domain.UserID
	Muted    bool
	Speaking bool
	Topic    string
	Payload  []byte
	Err      error
}

// RelayRoom is one live connection to a media-relay room, client side.
// Events arrive on one channel in arrival order per participant; the
// channel is closed after RelayDisconnected.
type RelayRoom interface {
	Identity() domain.UserID
	// Participants is the roster at join time.
	Participants() []RelayPeer
	Events() <-chan RelayEvent
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
	SetSpeaking(ctx context.Context, speaking bool) error
	PublishData(ctx context.Context, payload []byte, topic string) error
	Close() error
}

type RelayPeer struct {
	Identity domain.UserID
	Muted    bool
	Speaking bool
}

// RelayDialer opens relay rooms. Probe opens a throwaway session that takes
// no membership and is closed before returning.
type RelayDialer interface {
	Dial(ctx context.Context, token, roomName string) (RelayRoom, error)
	Probe(ctx context.Context, token string) error
}
