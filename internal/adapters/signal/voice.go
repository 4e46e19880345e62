package signal

import (
	"context"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handleVoiceJoin answers with a relay grant unless the room already runs in
// fallback, in which case the client gets the fallback notice instead.
func (ctl *SignalWSController) handleVoiceJoin(_ context.Context, sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) error {
	var p protocol.RoomRef
	if err := ctl.decode(env, &p); err != nil {
		return err
	}
	grant, err := ctl.Orch.JoinVoice(sid, p.RoomID)
	if err != nil {
		return err
	}
	if grant == nil {
		ctl.sendJSON(conn, protocol.EventVoiceFallbackActivated, 0, protocol.FallbackActivated{
			RoomID: p.RoomID,
			Mode:   protocol.FallbackModeP2P,
		})
		return nil
	}
	ctl.sendJSON(conn, protocol.EventVoiceRelayJoin, 0, grant)
	return nil
}

func (ctl *SignalWSController) handleVoiceLeave(_ context.Context, sid core.SessionID, _ *WsSignalConn, env protocol.Envelope) error {
	var p protocol.RoomRef
	if err := ctl.decode(env, &p); err != nil {
		return err
	}
	return ctl.Orch.LeaveVoice(sid, p.RoomID)
}

func (ctl *SignalWSController) handleVoiceMute(_ context.Context, sid core.SessionID, _ *WsSignalConn, env protocol.Envelope) error {
	var p protocol.VoiceMute
	if err := ctl.decode(env, &p); err != nil {
		return err
	}
	return ctl.Orch.SetMuted(sid, p.RoomID, p.Muted)
}

func (ctl *SignalWSController) handlePushToTalk(_ context.Context, sid core.SessionID, _ *WsSignalConn, env protocol.Envelope) error {
	var p protocol.VoicePushToTalk
	if err := ctl.decode(env, &p); err != nil {
		return err
	}
	return ctl.Orch.SetSpeaking(sid, p.RoomID, p.Speaking)
}

func (ctl *SignalWSController) handleFallback(_ context.Context, sid core.SessionID, _ *WsSignalConn, env protocol.Envelope) error {
	var p protocol.VoiceFallback
	if err := ctl.decode(env, &p); err != nil {
		return err
	}
	activated, err := ctl.Orch.ActivateFallback(sid, p.RoomID, p.Reason)
	if err != nil {
		return err
	}
	if !activated {
		log.Debug().Str("module", "signal").Str("room_id", string(p.RoomID)).Msg("fallback already active")
	}
	return nil
}
