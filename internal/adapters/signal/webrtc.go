package signal

import (
	"context"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/rs/zerolog/log"
)

// handlePeerSignal forwards direct-peer offer, answer and candidate messages
// to the participant named in To.
func (ctl *SignalWSController) handlePeerSignal(_ context.Context, sid core.SessionID, _ *WsSignalConn, env protocol.Envelope) error {
	var p protocol.PeerSignal
	if err := ctl.decode(env, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("event", env.Event).Msg("bad peer payload")
		return err
	}
	if p.To == "" {
		return errBadPayload
	}
	return ctl.Orch.Forward(sid, env.Event, p)
}
