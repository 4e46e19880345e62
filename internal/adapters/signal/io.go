package signal

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Orch.OnDisconnect(sid)
		cancel()
		c.Close()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	if ctl.opts.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.opts.ReadLimit)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleSignal(ctx, sid, c, data)
		}
	}
}

type handlerFunc func(ctl *SignalWSController, ctx context.Context, sid core.SessionID, c *WsSignalConn, env protocol.Envelope) error

var handlers = map[string]handlerFunc{
	protocol.EventPing:            (*SignalWSController).handlePing,
	protocol.EventRoomJoin:        (*SignalWSController).handleJoin,
	protocol.EventRoomLeave:       (*SignalWSController).handleLeave,
	protocol.EventRoomClose:       (*SignalWSController).handleClose,
	protocol.EventChatMessage:     (*SignalWSController).handleChat,
	protocol.EventGameVote:        (*SignalWSController).handleVote,
	protocol.EventGameReady:       (*SignalWSController).handleReady,
	protocol.EventVoiceJoin:       (*SignalWSController).handleVoiceJoin,
	protocol.EventVoiceLeave:      (*SignalWSController).handleVoiceLeave,
	protocol.EventVoiceMute:       (*SignalWSController).handleVoiceMute,
	protocol.EventVoicePushToTalk: (*SignalWSController).handlePushToTalk,
	protocol.EventVoiceFallback:   (*SignalWSController).handleFallback,
	protocol.EventWebRTCOffer:     (*SignalWSController).handlePeerSignal,
	protocol.EventWebRTCAnswer:    (*SignalWSController).handlePeerSignal,
	protocol.EventWebRTCCandidate: (*SignalWSController).handlePeerSignal,
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sid core.SessionID, c *WsSignalConn, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendJSON(c, protocol.EventError, 0, protocol.ErrorPayload{Error: "bad_json"})
		return
	}

	h, ok := handlers[env.Event]
	if !ok {
		log.Warn().Str("module", "signal").Str("event", env.Event).Msg("unknown event")
		err = errUnknownEvent
	} else {
		err = h(ctl, ctx, sid, c, env)
	}

	if env.ID != 0 {
		ack := protocol.Ack{Success: err == nil}
		if err != nil {
			ack.Error = err.Error()
		}
		ctl.sendJSON(c, protocol.EventAck, env.ID, ack)
		return
	}
	if err != nil {
		ctl.sendJSON(c, protocol.EventError, 0, protocol.ErrorPayload{Error: err.Error()})
	}
}

var errUnknownEvent = errors.New("unknown event")

// decode unmarshals and validates an inbound payload.
func (ctl *SignalWSController) decode(env protocol.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return errBadPayload
	}
	if err := ctl.validate.Struct(v); err != nil {
		return errBadPayload
	}
	return nil
}

var errBadPayload = errors.New("bad_payload")

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, event string, id uint64, v any) {
	b, err := protocol.Encode(event, id, v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("event", event).Msg("sendJSON dropped")
	}
}
