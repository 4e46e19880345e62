// Package relay serves the media relay WebSocket: admission, SDP exchange and
// the participant side channel.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/QuizVoice/internal/adapters/rtc"
	"github.com/dkeye/QuizVoice/internal/app/orch"
	"github.com/dkeye/QuizVoice/internal/auth"
	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const writeWait = 5 * time.Second

var (
	ErrNotJoined    = errors.New("join first")
	ErrRoomMismatch = errors.New("token does not admit this room")
)

type RelayWSController struct {
	Orch      *orch.Orchestrator
	Tokens    *auth.Issuer
	ICE       webrtc.Configuration
	ReadLimit int64

	mu    sync.RWMutex
	conns map[core.SessionID]*relayConn
}

var _ orch.Negotiator = (*RelayWSController)(nil)

func NewRelayWSController(o *orch.Orchestrator, tokens *auth.Issuer, ice webrtc.Configuration) *RelayWSController {
	ctl := &RelayWSController{
		Orch:   o,
		Tokens: tokens,
		ICE:    ice,
		conns:  make(map[core.SessionID]*relayConn),
	}
	o.Negotiator = ctl
	return ctl
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// relayConn is one member connection. It is the SignalConnection of the
// member's session so room broadcasts reach it.
type relayConn struct {
	sid  core.SessionID
	ws   *websocket.Conn
	send chan core.Frame
	log  zerolog.Logger

	mu     sync.RWMutex
	closed bool

	joined bool
	probe  bool

	negMu       sync.Mutex
	negotiating bool
	pending     bool
}

func (c *relayConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return errors.New("backpressure")
	}
	return nil
}

func (c *relayConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	// writePump drains what is queued, then closes the socket.
	close(c.send)
	c.mu.Unlock()
}

func (c *relayConn) sendMsg(msg protocol.RelayMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Msg("marshal relay message")
		return
	}
	if err := c.TrySend(b); err != nil {
		c.log.Warn().Err(err).Str("type", msg.Type).Msg("relay send dropped")
	}
}

func (ctl *RelayWSController) HandleRelay(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	sid := core.SessionID(uuid.NewString())
	rc := &relayConn{
		sid:  sid,
		ws:   ws,
		send: make(chan core.Frame, 64),
		log:  log.With().Str("module", "relay").Str("sid", string(sid)).Logger(),
	}
	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(rc)
	go ctl.readPump(ctx, cancel, rc)
}

func (ctl *RelayWSController) writePump(c *relayConn) {
	defer c.ws.Close()
	for data := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Warn().Err(err).Msg("write error")
			return
		}
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func (ctl *RelayWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *relayConn) {
	defer func() {
		if c.joined {
			ctl.Orch.LeaveRelay(c.sid)
			ctl.mu.Lock()
			delete(ctl.conns, c.sid)
			ctl.mu.Unlock()
		}
		cancel()
		c.Close()
		c.log.Info().Bool("probe", c.probe).Msg("relay connection closed")
	}()
	if ctl.ReadLimit > 0 {
		c.ws.SetReadLimit(ctl.ReadLimit)
	}

	for {
		var msg protocol.RelayMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("read error")
			}
			return
		}
		if msg.Type == protocol.RelayLeave {
			return
		}
		if err := ctl.handle(ctx, c, msg); err != nil {
			c.log.Warn().Err(err).Str("type", msg.Type).Msg("relay message failed")
			c.sendMsg(protocol.RelayMessage{Type: protocol.RelayError, Error: err.Error()})
			if !c.joined && !c.probe {
				return
			}
		}
	}
}

func (ctl *RelayWSController) handle(ctx context.Context, c *relayConn, msg protocol.RelayMessage) error {
	switch msg.Type {
	case protocol.RelayPing:
		c.sendMsg(protocol.RelayMessage{Type: protocol.RelayPong})
		return nil
	case protocol.RelayTypeJoin:
		return ctl.handleJoin(c, msg)
	}
	if !c.joined {
		return ErrNotJoined
	}

	switch msg.Type {
	case protocol.RelayOffer:
		return ctl.handleOffer(ctx, c, msg.SDP)
	case protocol.RelayAnswer:
		return ctl.handleAnswer(c, msg.SDP)
	case protocol.RelayCandidate:
		return ctl.handleCandidate(c, msg)
	case protocol.RelayMute:
		return ctl.Orch.SetRelayMuted(c.sid, msg.Muted)
	case protocol.RelaySpeaking:
		return ctl.Orch.SetRelaySpeaking(c.sid, msg.Speaking)
	case protocol.RelayData:
		return ctl.Orch.RelayData(c.sid, msg.Topic, msg.Payload)
	default:
		c.log.Warn().Str("type", msg.Type).Msg("unknown relay message")
		return nil
	}
}

// handleJoin admits the connection. Probe joins are answered and take no
// membership.
func (ctl *RelayWSController) handleJoin(c *relayConn, msg protocol.RelayMessage) error {
	if c.joined || c.probe {
		return nil
	}
	claims, err := ctl.Tokens.ParseRelay(msg.Token)
	if err != nil {
		return err
	}
	if msg.Room != "" && msg.Room != claims.Room {
		return ErrRoomMismatch
	}
	c.log = c.log.With().Str("identity", claims.Identity).Str("room", claims.Room).Logger()

	if msg.Probe {
		c.probe = true
		c.sendMsg(protocol.RelayMessage{Type: protocol.RelayJoined, Identity: claims.Identity, Room: claims.Room})
		return nil
	}

	user, err := domain.NewUser(domain.UserID(claims.Identity), "")
	if err != nil {
		return err
	}
	sess := core.NewMemberSession(user).UpdateSignal(c)
	ctl.Orch.Registry.BindSignal(c.sid, sess, nil)
	roster, err := ctl.Orch.JoinRelay(c.sid, domain.RoomID(claims.Room))
	if err != nil {
		ctl.Orch.Registry.Unbind(c.sid)
		return err
	}
	c.joined = true
	ctl.mu.Lock()
	ctl.conns[c.sid] = c
	ctl.mu.Unlock()

	c.sendMsg(protocol.RelayMessage{
		Type:         protocol.RelayJoined,
		Identity:     claims.Identity,
		Room:         claims.Room,
		Participants: roster,
	})
	c.log.Info().Int("participants", len(roster)).Msg("joined relay room")
	return nil
}

func (ctl *RelayWSController) handleOffer(ctx context.Context, c *relayConn, sdp string) error {
	sess, ok := ctl.Orch.Registry.GetSession(c.sid)
	if !ok {
		return orch.ErrNoSession
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}

	if mc := sess.Media(); mc != nil && !mc.IsClosed() {
		answer, err := mc.ApplyOfferAndCreateAnswer(offer)
		if err != nil {
			return err
		}
		c.sendMsg(protocol.RelayMessage{Type: protocol.RelayAnswer, SDP: answer.SDP})
		return nil
	}

	wc, err := rtc.NewWebRTCConnection(ctl.ICE, c.sid)
	if err != nil {
		return err
	}
	ctl.Orch.BindMediaHandlers(wc, c.sid)
	if err := wc.Start(ctx); err != nil {
		wc.Close()
		return err
	}
	answer, err := wc.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		wc.Close()
		return err
	}
	c.sendMsg(protocol.RelayMessage{Type: protocol.RelayAnswer, SDP: answer.SDP})
	sess.UpdateMedia(wc)
	ctl.Orch.OnMediaReady(c.sid)
	return nil
}

func (ctl *RelayWSController) handleCandidate(c *relayConn, msg protocol.RelayMessage) error {
	sess, ok := ctl.Orch.Registry.GetSession(c.sid)
	if !ok || sess.Media() == nil {
		return nil
	}
	cand := webrtc.ICECandidateInit{Candidate: msg.Candidate}
	if msg.SDPMid != "" {
		cand.SDPMid = &msg.SDPMid
	}
	idx := msg.SDPMLineIndex
	cand.SDPMLineIndex = &idx
	return sess.Media().AddICECandidate(cand)
}
