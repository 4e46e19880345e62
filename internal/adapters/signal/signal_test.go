package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/QuizVoice/internal/app"
	"github.com/dkeye/QuizVoice/internal/app/orch"
	"github.com/dkeye/QuizVoice/internal/auth"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := &orch.Orchestrator{Registry: app.NewRegistry(), Rooms: app.NewRoomManager(), Policy: app.SimplePolicy{}}
	ctl := NewSignalWSController(o, opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, q url.Values) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + q.Encode()
	return websocket.DefaultDialer.Dial(u, nil)
}

func send(t *testing.T, ws *websocket.Conn, event string, id uint64, payload any) {
	t.Helper()
	b, err := protocol.Encode(event, id, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, b))
}

// next reads envelopes until one named event arrives.
func next(t *testing.T, ws *websocket.Conn, event string) protocol.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		env, err := protocol.DecodeEnvelope(data)
		require.NoError(t, err)
		if env.Event == event {
			return env
		}
	}
}

func TestAnonymousGate(t *testing.T) {
	srv := newServer(t, Options{})
	_, resp, err := dial(t, srv, url.Values{"userId": {"a"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	open := newServer(t, Options{AllowAnonymous: true})
	ws, _, err := dial(t, open, url.Values{"userId": {"a"}})
	require.NoError(t, err)
	_ = ws.Close()
}

func TestTokenAuth(t *testing.T) {
	iss := auth.NewSignalIssuer("s3cret", time.Hour)
	srv := newServer(t, Options{Tokens: iss})

	tok, err := iss.UserToken("alice", "Alice")
	require.NoError(t, err)
	ws, _, err := dial(t, srv, url.Values{"userId": {"alice"}, "token": {tok}})
	require.NoError(t, err)
	defer ws.Close()

	_, resp, err := dial(t, srv, url.Values{"userId": {"mallory"}, "token": {tok}})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dial(t, srv, url.Values{"token": {"garbage"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinAckAndPresence(t *testing.T) {
	srv := newServer(t, Options{AllowAnonymous: true})
	a, _, err := dial(t, srv, url.Values{"userId": {"a"}})
	require.NoError(t, err)
	defer a.Close()
	b, _, err := dial(t, srv, url.Values{"userId": {"b"}})
	require.NoError(t, err)
	defer b.Close()

	send(t, a, protocol.EventRoomJoin, 1, protocol.RoomJoin{RoomID: "R1"})
	var st protocol.RoomState
	require.NoError(t, next(t, a, protocol.EventRoomState).Decode(&st))
	assert.Equal(t, domain.RoomID("R1"), st.Room.ID)
	var ack protocol.Ack
	require.NoError(t, next(t, a, protocol.EventAck).Decode(&ack))
	assert.True(t, ack.Success)

	send(t, b, protocol.EventRoomJoin, 7, protocol.RoomJoin{RoomID: "R1"})
	var joined protocol.UserJoined
	require.NoError(t, next(t, a, protocol.EventRoomUserJoined).Decode(&joined))
	assert.Equal(t, domain.UserID("b"), joined.Participant.UserID)

	env := next(t, b, protocol.EventAck)
	assert.Equal(t, uint64(7), env.ID)

	send(t, b, protocol.EventVoiceMute, 0, protocol.VoiceMute{RoomID: "R1", Muted: true})
	var muted protocol.UserMuted
	require.NoError(t, next(t, a, protocol.EventVoiceUserMuted).Decode(&muted))
	assert.True(t, muted.Muted)

	send(t, a, protocol.EventPing, 0, nil)
	next(t, a, protocol.EventPong)
}

func TestAckCarriesErrors(t *testing.T) {
	srv := newServer(t, Options{AllowAnonymous: true})
	a, _, err := dial(t, srv, url.Values{"userId": {"a"}})
	require.NoError(t, err)
	defer a.Close()

	send(t, a, "nope:nope", 3, nil)
	var ack protocol.Ack
	require.NoError(t, next(t, a, protocol.EventAck).Decode(&ack))
	assert.False(t, ack.Success)
	assert.Equal(t, errUnknownEvent.Error(), ack.Error)

	send(t, a, protocol.EventRoomJoin, 4, protocol.RoomJoin{RoomID: ""})
	require.NoError(t, next(t, a, protocol.EventAck).Decode(&ack))
	assert.Equal(t, errBadPayload.Error(), ack.Error)

	send(t, a, protocol.EventVoiceMute, 0, protocol.VoiceMute{RoomID: "R9", Muted: true})
	var perr protocol.ErrorPayload
	require.NoError(t, next(t, a, protocol.EventError).Decode(&perr))
	assert.Equal(t, orch.ErrNotInRoom.Error(), perr.Error)
}

func TestChatLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewChatLimiter(2, time.Second)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("u"))
	assert.True(t, l.Allow("u"))
	assert.False(t, l.Allow("u"))
	assert.True(t, l.Allow("v"))

	now = now.Add(1100 * time.Millisecond)
	assert.True(t, l.Allow("u"))

	now = now.Add(time.Hour)
	for i := 0; i < sweepEvery; i++ {
		l.Allow("w")
	}
	assert.Equal(t, 1, l.tracked())
}
