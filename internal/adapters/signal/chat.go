package signal

import (
	"context"
	"errors"
	"strings"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/protocol"
)

var errRateLimited = errors.New("rate_limited")

func (ctl *SignalWSController) handleChat(_ context.Context, sid core.SessionID, _ *WsSignalConn, env protocol.Envelope) error {
	var p protocol.ChatSend
	if err := ctl.decode(env, &p); err != nil {
		return err
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return errBadPayload
	}
	sess, ok := ctl.Orch.Registry.GetSession(sid)
	if !ok {
		return nil
	}
	if !ctl.chat.Allow(sess.Meta().ID) {
		return errRateLimited
	}
	_, err := ctl.Orch.Chat(sid, p.RoomID, text)
	return err
}

func (ctl *SignalWSController) handleVote(_ context.Context, sid core.SessionID, _ *WsSignalConn, env protocol.Envelope) error {
	var p protocol.VoteCast
	if err := ctl.decode(env, &p); err != nil {
		return err
	}
	return ctl.Orch.Vote(sid, p)
}

func (ctl *SignalWSController) handleReady(_ context.Context, sid core.SessionID, _ *WsSignalConn, env protocol.Envelope) error {
	var p protocol.ReadySet
	if err := ctl.decode(env, &p); err != nil {
		return err
	}
	return ctl.Orch.SetReady(sid, p.RoomID, p.Ready)
}
