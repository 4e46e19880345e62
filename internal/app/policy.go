package app

import (
	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/protocol"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what happens to a member whose send buffer was full when a
// broadcast of event reached it.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession, event string) BackpressureAction
}

// transient events are superseded by the next one of the same kind; losing
// one leaves the receiver at most briefly stale.
var transient = map[string]bool{
	protocol.EventVoiceUserSpeaking: true,
	protocol.RelayPeerSpeak:         true,
}

// SimplePolicy drops speaking indicators for a slow member and disconnects it
// for anything else; the client reconnects and rejoins on its own.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(_ core.RoomService, _ core.MemberSession, event string) BackpressureAction {
	if transient[event] {
		return DropFrame
	}
	return KickMember
}
