package rtc

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/QuizVoice/internal/protocol"
)

func TestWebRTCConfigDefaultsToPublicSTUN(t *testing.T) {
	cfg := WebRTCConfig(nil)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, DefaultSTUNURLs, cfg.ICEServers[0].URLs)

	cfg = WebRTCConfig([]string{"stun:example.org:3478"})
	assert.Equal(t, []string{"stun:example.org:3478"}, cfg.ICEServers[0].URLs)
}

func TestSilenceSourcePacesFrames(t *testing.T) {
	src := NewSilenceSource()
	require.NoError(t, src.Open())
	defer src.Close()

	frame, err := src.ReadFrame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, opusSilence, frame)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// A pending tick may win the select; drain until the cancel is seen.
	for i := 0; i < 3; i++ {
		if _, err = src.ReadFrame(ctx); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.Canceled)
}

type deniedSource struct{}

func (deniedSource) Open() error                               { return ErrPermissionDenied }
func (deniedSource) ReadFrame(context.Context) ([]byte, error) { return nil, ErrPermissionDenied }
func (deniedSource) Close() error                              { return nil }

func TestDialSurfacesPermissionDenied(t *testing.T) {
	d := NewRelayDialer("ws://127.0.0.1:1/unused", DefaultWebRTCConfig(), func() AudioSource { return deniedSource{} })
	_, err := d.Dial(context.Background(), "tok", "room")
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

// fakeRelay answers join frames; reject turns every join into an error frame.
func fakeRelay(t *testing.T, reject bool, seen chan<- protocol.RelayMessage) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var msg protocol.RelayMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			seen <- msg
			if msg.Type != protocol.RelayTypeJoin {
				continue
			}
			reply := protocol.RelayMessage{Type: protocol.RelayJoined, Identity: "probe"}
			if reject {
				reply = protocol.RelayMessage{Type: protocol.RelayError, Error: "invalid token"}
			}
			if err := ws.WriteJSON(reply); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestProbeJoinsAndLeaves(t *testing.T) {
	seen := make(chan protocol.RelayMessage, 4)
	srv := fakeRelay(t, false, seen)
	d := NewRelayDialer(wsURL(srv), DefaultWebRTCConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Probe(ctx, "tok"))

	join := <-seen
	assert.Equal(t, protocol.RelayTypeJoin, join.Type)
	assert.True(t, join.Probe)
	assert.Equal(t, "tok", join.Token)
	select {
	case leave := <-seen:
		assert.Equal(t, protocol.RelayLeave, leave.Type)
	case <-time.After(time.Second):
		t.Fatal("no leave frame")
	}
}

func TestProbeRejected(t *testing.T) {
	seen := make(chan protocol.RelayMessage, 4)
	srv := fakeRelay(t, true, seen)
	d := NewRelayDialer(wsURL(srv), DefaultWebRTCConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := d.Probe(ctx, "bad")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJoinRejected))
}

func TestProbeUnreachable(t *testing.T) {
	d := NewRelayDialer("ws://127.0.0.1:1/relay", DefaultWebRTCConfig(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, d.Probe(ctx, "tok"))
}
