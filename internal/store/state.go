// Package store is the client's single source of truth. One goroutine owns
// State; everything else sends actions and reads through selectors.
package store

import (
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
)

const chatHistory = 100

type ConnectionStatus struct {
	Connected bool
	ColdStart bool
	Attempts  int
	LastError string
}

type UIFlag int

const (
	UIChatOpen UIFlag = iota
	UIVoicePanelOpen
	UIParticipantsOpen
)

type UIFlags struct {
	ChatOpen         bool
	VoicePanelOpen   bool
	ParticipantsOpen bool
	// ColdStartBanner follows ConnectionStatus.ColdStart.
	ColdStartBanner bool
}

type State struct {
	Self         domain.UserID
	Connection   ConnectionStatus
	Room         *domain.Room
	Participants map[domain.UserID]domain.Participant
	Voice        domain.VoiceConnectionState
	Health       domain.HealthStatus
	Chat         []protocol.ChatMessage
	// Votes maps question to voter to choice.
	Votes    map[string]map[domain.UserID]string
	Tier     domain.Tier
	Features domain.FeatureSet
	UI       UIFlags
}

func newState() *State {
	return &State{
		Participants: make(map[domain.UserID]domain.Participant),
		Voice:        domain.NewVoiceConnectionState(),
		Health:       domain.NewHealthStatus(),
		Votes:        make(map[string]map[domain.UserID]string),
		Tier:         domain.TierFree,
		Features:     domain.FeaturesFor(domain.TierFree),
	}
}

func (s *State) inRoom(id domain.RoomID) bool {
	return s.Room != nil && s.Room.ID == id
}

func (s *State) clearRoom() {
	s.Room = nil
	clear(s.Participants)
	s.Chat = nil
	clear(s.Votes)
}
