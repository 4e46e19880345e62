package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/QuizVoice/internal/adapters/rtc"
	"github.com/dkeye/QuizVoice/internal/app"
	"github.com/dkeye/QuizVoice/internal/app/orch"
	"github.com/dkeye/QuizVoice/internal/app/sfu"
	"github.com/dkeye/QuizVoice/internal/auth"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	srv    *httptest.Server
	tokens *auth.Issuer
	orch   *orch.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := &orch.Orchestrator{Registry: app.NewRegistry(), Rooms: app.NewRoomManager(), Relays: sfu.NewRelayManager()}
	tokens := auth.NewRelayIssuer("relay", time.Hour)
	ctl := NewRelayWSController(o, tokens, rtc.DefaultWebRTCConfig())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := gin.New()
	r.GET("/relay", func(c *gin.Context) { ctl.HandleRelay(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, tokens: tokens, orch: o}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.srv.URL, "http")+"/relay", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (f *fixture) token(t *testing.T, identity, room string) string {
	t.Helper()
	tok, err := f.tokens.RelayToken(domain.UserID(identity), domain.RoomID(room))
	require.NoError(t, err)
	return tok
}

func read(t *testing.T, ws *websocket.Conn, typ string) protocol.RelayMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg protocol.RelayMessage
		require.NoError(t, ws.ReadJSON(&msg))
		if msg.Type == typ {
			return msg
		}
	}
}

func TestProbeTakesNoMembership(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	require.NoError(t, ws.WriteJSON(protocol.RelayMessage{Type: protocol.RelayTypeJoin, Token: f.token(t, "a", "R1"), Probe: true}))
	msg := read(t, ws, protocol.RelayJoined)
	assert.Equal(t, "a", msg.Identity)
	_, ok := f.orch.Rooms.GetRoom("R1")
	assert.False(t, ok)
}

func TestJoinRejectsBadToken(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	require.NoError(t, ws.WriteJSON(protocol.RelayMessage{Type: protocol.RelayTypeJoin, Token: "bogus"}))
	msg := read(t, ws, protocol.RelayError)
	assert.NotEmpty(t, msg.Error)

	ws = f.dial(t)
	require.NoError(t, ws.WriteJSON(protocol.RelayMessage{Type: protocol.RelayTypeJoin, Token: f.token(t, "a", "R1"), Room: "R2"}))
	msg = read(t, ws, protocol.RelayError)
	assert.Equal(t, ErrRoomMismatch.Error(), msg.Error)
}

func TestRosterAndSideChannel(t *testing.T) {
	f := newFixture(t)
	a := f.dial(t)
	require.NoError(t, a.WriteJSON(protocol.RelayMessage{Type: protocol.RelayTypeJoin, Token: f.token(t, "a", "R1")}))
	joined := read(t, a, protocol.RelayJoined)
	assert.Empty(t, joined.Participants)

	b := f.dial(t)
	require.NoError(t, b.WriteJSON(protocol.RelayMessage{Type: protocol.RelayTypeJoin, Token: f.token(t, "b", "R1")}))
	joined = read(t, b, protocol.RelayJoined)
	require.Len(t, joined.Participants, 1)
	assert.Equal(t, "a", joined.Participants[0].Identity)
	assert.Equal(t, "b", read(t, a, protocol.RelayPeerJoined).Identity)

	require.NoError(t, b.WriteJSON(protocol.RelayMessage{Type: protocol.RelayMute, Muted: true}))
	muted := read(t, a, protocol.RelayPeerMuted)
	assert.Equal(t, "b", muted.Identity)
	assert.True(t, muted.Muted)

	require.NoError(t, a.WriteJSON(protocol.RelayMessage{Type: protocol.RelayData, Topic: "emote", Payload: []byte("wave")}))
	data := read(t, b, protocol.RelayData)
	assert.Equal(t, "a", data.Identity)
	assert.Equal(t, []byte("wave"), data.Payload)

	require.NoError(t, b.WriteJSON(protocol.RelayMessage{Type: protocol.RelayLeave}))
	assert.Equal(t, "b", read(t, a, protocol.RelayPeerLeft).Identity)
}

func TestMessagesBeforeJoinAreRejected(t *testing.T) {
	f := newFixture(t)
	ws := f.dial(t)
	require.NoError(t, ws.WriteJSON(protocol.RelayMessage{Type: protocol.RelayMute, Muted: true}))
	msg := read(t, ws, protocol.RelayError)
	assert.Equal(t, ErrNotJoined.Error(), msg.Error)
}
