package core

import (
	"context"

	"github.com/dkeye/QuizVoice/internal/domain"
)

// PeerConnection is a direct media link to one remote participant.
type PeerConnection interface {
	Remote() domain.UserID
	// CreateOffer returns a complete (non-trickle) local offer.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies a remote offer and returns the complete answer.
	AcceptOffer(ctx context.Context, sdp string) (string, error)
	AcceptAnswer(sdp string) error
	SetMicrophoneEnabled(enabled bool) error
	OnStateChange(func(connected bool))
	Close() error
}

type PeerFactory interface {
	NewPeer(ctx context.Context, remote domain.UserID) (PeerConnection, error)
}
