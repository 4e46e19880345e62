package signal

import (
	"context"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleJoin(ctx context.Context, sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) error {
	var p protocol.RoomJoin
	if err := ctl.decode(env, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		return err
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room_id", string(p.RoomID)).Msg("join")
	rs, _, err := ctl.Orch.Join(ctx, sid, p.RoomID, p.Kind)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join rejected")
		return err
	}
	ctl.sendJSON(conn, protocol.EventRoomState, 0, ctl.Orch.State(rs))
	return nil
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(_ context.Context, sid core.SessionID, _ *WsSignalConn, env protocol.Envelope) error {
	var p protocol.RoomRef
	if err := ctl.decode(env, &p); err != nil {
		return err
	}
	cur, _, ok := ctl.Orch.Registry.RoomOf(sid)
	if !ok || cur != p.RoomID {
		return nil
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room_id", string(p.RoomID)).Msg("leave")
	ctl.Orch.Leave(sid)
	return nil
}

func (ctl *SignalWSController) handleClose(_ context.Context, sid core.SessionID, _ *WsSignalConn, env protocol.Envelope) error {
	var p protocol.RoomRef
	if err := ctl.decode(env, &p); err != nil {
		return err
	}
	return ctl.Orch.Close(sid, p.RoomID)
}
