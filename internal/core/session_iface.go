package core

import "github.com/dkeye/QuizVoice/internal/domain"

// SessionID names one coordination or relay socket. A user who reconnects
// gets a new one.
type SessionID string

// Frame is one encoded envelope or relay message, ready for the wire.
type Frame []byte

// SignalConnection is the outbound half of a member's socket. TrySend never
// blocks; it fails when the write buffer is full or the socket is gone.
// The adapter owns the socket and closes it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// MemberSession is what a room holds for each participant: the user and
// whichever transports that user has attached. Update* return a copy.
type MemberSession interface {
	Meta() *domain.User
	Signal() SignalConnection
	Media() MediaConnection
	UpdateSignal(SignalConnection) MemberSession
	UpdateMedia(MediaConnection) MemberSession
}
