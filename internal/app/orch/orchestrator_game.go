package orch

import (
	"time"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/google/uuid"
)

func (o *Orchestrator) Chat(sid core.SessionID, roomID domain.RoomID, text string) (protocol.ChatMessage, error) {
	_, user, err := o.member(sid, roomID)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	msg := protocol.ChatMessage{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		UserID:   user.ID,
		Username: user.Username,
		Text:     text,
		SentAt:   time.Now().UTC(),
	}
	o.Publish(roomID, "", protocol.EventChatMessage, msg)
	return msg, nil
}

func (o *Orchestrator) Vote(sid core.SessionID, v protocol.VoteCast) error {
	_, user, err := o.member(sid, v.RoomID)
	if err != nil {
		return err
	}
	o.Publish(v.RoomID, "", protocol.EventGameVote, protocol.Vote{
		RoomID:     v.RoomID,
		UserID:     user.ID,
		QuestionID: v.QuestionID,
		Choice:     v.Choice,
	})
	return nil
}

func (o *Orchestrator) SetReady(sid core.SessionID, roomID domain.RoomID, ready bool) error {
	rs, user, err := o.member(sid, roomID)
	if err != nil {
		return err
	}
	rs.UpdateParticipant(user.ID, func(p *domain.Participant) { p.IsReady = ready })
	o.Publish(roomID, "", protocol.EventGamePlayerReady, protocol.PlayerReady{RoomID: roomID, UserID: user.ID, Ready: ready})
	return nil
}
