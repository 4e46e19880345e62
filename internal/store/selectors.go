package store

import (
	"sort"

	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
)

func (s *State) clone() State {
	out := *s
	if s.Room != nil {
		room := *s.Room
		out.Room = &room
	}
	out.Participants = make(map[domain.UserID]domain.Participant, len(s.Participants))
	for id, p := range s.Participants {
		out.Participants[id] = p
	}
	out.Chat = append([]protocol.ChatMessage(nil), s.Chat...)
	out.Votes = make(map[string]map[domain.UserID]string, len(s.Votes))
	for q, votes := range s.Votes {
		cp := make(map[domain.UserID]string, len(votes))
		for u, c := range votes {
			cp[u] = c
		}
		out.Votes[q] = cp
	}
	out.Features = domain.NewFeatureSet(s.Features.List()...)
	return out
}

func CurrentRoom(st *State) *domain.Room {
	if st.Room == nil {
		return nil
	}
	room := *st.Room
	return &room
}

func sortedParticipants(st *State, keep func(domain.Participant) bool) []domain.Participant {
	out := make([]domain.Participant, 0, len(st.Participants))
	for _, p := range st.Participants {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func Participants(st *State) []domain.Participant {
	return sortedParticipants(st, func(domain.Participant) bool { return true })
}

func VoiceParticipants(st *State) []domain.Participant {
	return sortedParticipants(st, func(p domain.Participant) bool { return p.InVoice })
}

// ParticipantOf returns a copy of uid's entry, or nil.
func ParticipantOf(uid domain.UserID) func(*State) *domain.Participant {
	return func(st *State) *domain.Participant {
		p, ok := st.Participants[uid]
		if !ok {
			return nil
		}
		return &p
	}
}

func VoiceState(st *State) domain.VoiceConnectionState { return st.Voice }

func HealthState(st *State) domain.HealthStatus { return st.Health }

func Connection(st *State) ConnectionStatus { return st.Connection }

func ConnectionMode(st *State) domain.VoiceMode { return st.Voice.Mode }

func LastError(st *State) string { return st.Voice.Error }

func CanUse(feature string) func(*State) bool {
	return func(st *State) bool { return st.Features.Has(feature) }
}

// RecentChat returns up to n of the newest messages, oldest first.
func RecentChat(n int) func(*State) []protocol.ChatMessage {
	return func(st *State) []protocol.ChatMessage {
		n = min(max(n, 0), len(st.Chat))
		from := len(st.Chat) - n
		return append([]protocol.ChatMessage(nil), st.Chat[from:]...)
	}
}

// VoteTally counts choices for one question.
func VoteTally(questionID string) func(*State) map[string]int {
	return func(st *State) map[string]int {
		out := make(map[string]int)
		for _, c := range st.Votes[questionID] {
			out[c]++
		}
		return out
	}
}
