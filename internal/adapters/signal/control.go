package signal

import (
	"context"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/protocol"
)

func (ctl *SignalWSController) handlePing(_ context.Context, _ core.SessionID, conn *WsSignalConn, env protocol.Envelope) error {
	ctl.sendJSON(conn, protocol.EventPong, 0, nil)
	return nil
}
