package store

import (
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
)

// Action is one targeted mutation. apply reports whether State changed.
type Action interface {
	apply(st *State) bool
}

type SetSelf struct{ UserID domain.UserID }

func (a SetSelf) apply(st *State) bool {
	if st.Self == a.UserID {
		return false
	}
	st.Self = a.UserID
	return true
}

type ConnectionChanged struct{ Status ConnectionStatus }

func (a ConnectionChanged) apply(st *State) bool {
	if st.Connection == a.Status {
		return false
	}
	st.Connection = a.Status
	st.UI.ColdStartBanner = a.Status.ColdStart
	return true
}

// RoomEntered replaces the room snapshot, as sent by room:state.
type RoomEntered struct {
	Room         domain.Room
	Participants []domain.Participant
}

func (a RoomEntered) apply(st *State) bool {
	if st.Room != nil && st.Room.ID != a.Room.ID {
		st.clearRoom()
	}
	room := a.Room
	st.Room = &room
	clear(st.Participants)
	for _, p := range a.Participants {
		st.Participants[p.UserID] = p
	}
	return true
}

type RoomLeft struct{ RoomID domain.RoomID }

func (a RoomLeft) apply(st *State) bool {
	if !st.inRoom(a.RoomID) {
		return false
	}
	st.clearRoom()
	return true
}

type ParticipantJoined struct {
	RoomID      domain.RoomID
	Participant domain.Participant
}

func (a ParticipantJoined) apply(st *State) bool {
	if !st.inRoom(a.RoomID) {
		return false
	}
	if cur, ok := st.Participants[a.Participant.UserID]; ok && cur == a.Participant {
		return false
	}
	st.Participants[a.Participant.UserID] = a.Participant
	return true
}

type ParticipantLeft struct {
	RoomID domain.RoomID
	UserID domain.UserID
}

func (a ParticipantLeft) apply(st *State) bool {
	if !st.inRoom(a.RoomID) {
		return false
	}
	if _, ok := st.Participants[a.UserID]; !ok {
		return false
	}
	delete(st.Participants, a.UserID)
	return true
}

// updateParticipant sets one facet of a known participant.
func updateParticipant(st *State, room domain.RoomID, uid domain.UserID, fn func(*domain.Participant)) bool {
	if !st.inRoom(room) {
		return false
	}
	p, ok := st.Participants[uid]
	if !ok {
		return false
	}
	before := p
	fn(&p)
	if p == before {
		return false
	}
	st.Participants[uid] = p
	return true
}

type ParticipantInVoice struct {
	RoomID  domain.RoomID
	UserID  domain.UserID
	InVoice bool
}

func (a ParticipantInVoice) apply(st *State) bool {
	return updateParticipant(st, a.RoomID, a.UserID, func(p *domain.Participant) {
		p.InVoice = a.InVoice
		if !a.InVoice {
			p.Speaking = false
		}
	})
}

type ParticipantMuted struct {
	RoomID domain.RoomID
	UserID domain.UserID
	Muted  bool
}

func (a ParticipantMuted) apply(st *State) bool {
	return updateParticipant(st, a.RoomID, a.UserID, func(p *domain.Participant) { p.VoiceMuted = a.Muted })
}

type ParticipantSpeaking struct {
	RoomID   domain.RoomID
	UserID   domain.UserID
	Speaking bool
}

func (a ParticipantSpeaking) apply(st *State) bool {
	return updateParticipant(st, a.RoomID, a.UserID, func(p *domain.Participant) { p.Speaking = a.Speaking })
}

type ParticipantReady struct {
	RoomID domain.RoomID
	UserID domain.UserID
	Ready  bool
}

func (a ParticipantReady) apply(st *State) bool {
	return updateParticipant(st, a.RoomID, a.UserID, func(p *domain.Participant) { p.IsReady = a.Ready })
}

type ChatReceived struct{ Message protocol.ChatMessage }

func (a ChatReceived) apply(st *State) bool {
	if !st.inRoom(a.Message.RoomID) {
		return false
	}
	st.Chat = append(st.Chat, a.Message)
	if n := len(st.Chat); n > chatHistory {
		st.Chat = append([]protocol.ChatMessage(nil), st.Chat[n-chatHistory:]...)
	}
	return true
}

type VoteReceived struct{ Vote protocol.Vote }

func (a VoteReceived) apply(st *State) bool {
	if !st.inRoom(a.Vote.RoomID) {
		return false
	}
	votes := st.Votes[a.Vote.QuestionID]
	if votes == nil {
		votes = make(map[domain.UserID]string)
		st.Votes[a.Vote.QuestionID] = votes
	}
	if votes[a.Vote.UserID] == a.Vote.Choice {
		return false
	}
	votes[a.Vote.UserID] = a.Vote.Choice
	return true
}

// setVoice applies fn to the local voice state.
func setVoice(st *State, fn func(*domain.VoiceConnectionState)) bool {
	before := st.Voice
	fn(&st.Voice)
	return st.Voice != before
}

// setSelf mirrors a local facet onto the own participant entry.
func setSelf(st *State, fn func(*domain.Participant)) bool {
	if st.Room == nil {
		return false
	}
	return updateParticipant(st, st.Room.ID, st.Self, fn)
}

type VoiceConnected struct {
	RoomID domain.RoomID
	Mode   domain.VoiceMode
}

func (a VoiceConnected) apply(st *State) bool {
	changed := setVoice(st, func(v *domain.VoiceConnectionState) {
		v.Connected = true
		v.Mode = a.Mode
		v.RoomID = a.RoomID
		v.Error = ""
		v.ErrorKind = domain.ErrorKindNone
	})
	return setSelf(st, func(p *domain.Participant) { p.InVoice = true }) || changed
}

// VoiceDisconnected keeps the push-to-talk preference and the last error.
type VoiceDisconnected struct{}

func (VoiceDisconnected) apply(st *State) bool {
	changed := setVoice(st, func(v *domain.VoiceConnectionState) {
		v.Connected = false
		v.Muted = false
		v.Speaking = false
		v.Mode = domain.VoiceModeDisconnected
		v.RoomID = ""
	})
	return setSelf(st, func(p *domain.Participant) {
		p.InVoice = false
		p.VoiceMuted = false
		p.Speaking = false
	}) || changed
}

// RelayDropped ends a relay session. It leaves a fallback session alone so
// tearing down the relay during the switch keeps the new mode.
type RelayDropped struct{}

func (RelayDropped) apply(st *State) bool {
	if st.Voice.Mode != domain.VoiceModeRelay {
		return false
	}
	return VoiceDisconnected{}.apply(st)
}

// RoomFallback records that the room switched to direct peer mode.
type RoomFallback struct{ RoomID domain.RoomID }

func (a RoomFallback) apply(st *State) bool {
	if !st.inRoom(a.RoomID) || st.Room.Fallback {
		return false
	}
	st.Room.Fallback = true
	return true
}

type VoiceModeChanged struct{ Mode domain.VoiceMode }

func (a VoiceModeChanged) apply(st *State) bool {
	return setVoice(st, func(v *domain.VoiceConnectionState) { v.Mode = a.Mode })
}

type LocalMuted struct{ Muted bool }

func (a LocalMuted) apply(st *State) bool {
	changed := setVoice(st, func(v *domain.VoiceConnectionState) {
		v.Muted = a.Muted
		if a.Muted {
			v.Speaking = false
		}
	})
	return setSelf(st, func(p *domain.Participant) { p.VoiceMuted = a.Muted }) || changed
}

type LocalSpeaking struct{ Speaking bool }

func (a LocalSpeaking) apply(st *State) bool {
	changed := setVoice(st, func(v *domain.VoiceConnectionState) { v.Speaking = a.Speaking })
	return setSelf(st, func(p *domain.Participant) { p.Speaking = a.Speaking }) || changed
}

type PushToTalkChanged struct{ Enabled bool }

func (a PushToTalkChanged) apply(st *State) bool {
	return setVoice(st, func(v *domain.VoiceConnectionState) { v.PushToTalk = a.Enabled })
}

type VoiceFailed struct {
	Kind    domain.ErrorKind
	Message string
}

func (a VoiceFailed) apply(st *State) bool {
	return setVoice(st, func(v *domain.VoiceConnectionState) {
		v.Error = a.Message
		v.ErrorKind = a.Kind
	})
}

type VoiceErrorCleared struct{}

func (VoiceErrorCleared) apply(st *State) bool {
	return setVoice(st, func(v *domain.VoiceConnectionState) {
		v.Error = ""
		v.ErrorKind = domain.ErrorKindNone
	})
}

type HealthChanged struct{ Status domain.HealthStatus }

func (a HealthChanged) apply(st *State) bool {
	if st.Health == a.Status {
		return false
	}
	st.Health = a.Status
	return true
}

type EntitlementLoaded struct {
	Tier     domain.Tier
	Features domain.FeatureSet
}

func (a EntitlementLoaded) apply(st *State) bool {
	st.Tier = a.Tier
	st.Features = domain.NewFeatureSet(a.Features.List()...)
	return true
}

type UIFlagSet struct {
	Flag UIFlag
	On   bool
}

func (a UIFlagSet) apply(st *State) bool {
	var f *bool
	switch a.Flag {
	case UIChatOpen:
		f = &st.UI.ChatOpen
	case UIVoicePanelOpen:
		f = &st.UI.VoicePanelOpen
	case UIParticipantsOpen:
		f = &st.UI.ParticipantsOpen
	default:
		return false
	}
	if *f == a.On {
		return false
	}
	*f = a.On
	return true
}
