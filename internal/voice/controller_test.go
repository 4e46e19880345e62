package voice

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sigctl "github.com/dkeye/QuizVoice/internal/adapters/signal"
	"github.com/dkeye/QuizVoice/internal/app"
	"github.com/dkeye/QuizVoice/internal/app/orch"
	"github.com/dkeye/QuizVoice/internal/auth"
	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/entitlement"
	"github.com/dkeye/QuizVoice/internal/fallback"
	"github.com/dkeye/QuizVoice/internal/health"
	"github.com/dkeye/QuizVoice/internal/media"
	"github.com/dkeye/QuizVoice/internal/signalclient"
	"github.com/dkeye/QuizVoice/internal/store"
)

func coordServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	o := &orch.Orchestrator{
		Registry:    app.NewRegistry(),
		Rooms:       app.NewRoomManager(),
		Policy:      app.SimplePolicy{},
		RelayTokens: auth.NewRelayIssuer("relay-secret", time.Hour),
		RelayURL:    "ws://relay.invalid/api/ws/relay",
	}
	ctl := sigctl.NewSignalWSController(o, sigctl.Options{AllowAnonymous: true})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

type fakeRelayRoom struct {
	id     domain.UserID
	events chan core.RelayEvent

	mu     sync.Mutex
	mic    []bool
	closed bool
}

func (r *fakeRelayRoom) Identity() domain.UserID                          { return r.id }
func (r *fakeRelayRoom) Participants() []core.RelayPeer                   { return nil }
func (r *fakeRelayRoom) Events() <-chan core.RelayEvent                   { return r.events }
func (r *fakeRelayRoom) SetSpeaking(context.Context, bool) error          { return nil }
func (r *fakeRelayRoom) PublishData(context.Context, []byte, string) error { return nil }

func (r *fakeRelayRoom) SetMicrophoneEnabled(_ context.Context, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mic = append(r.mic, on)
	return nil
}

func (r *fakeRelayRoom) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.events <- core.RelayEvent{Type: core.RelayDisconnected}
	close(r.events)
	return nil
}

func (r *fakeRelayRoom) mics() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.mic...)
}

func (r *fakeRelayRoom) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeRelay struct {
	id domain.UserID

	mu     sync.Mutex
	tokens []string
	rooms  []*fakeRelayRoom
}

func (d *fakeRelay) Dial(_ context.Context, token, _ string) (core.RelayRoom, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room := &fakeRelayRoom{id: d.id, events: make(chan core.RelayEvent, 8)}
	d.tokens = append(d.tokens, token)
	d.rooms = append(d.rooms, room)
	return room, nil
}

func (d *fakeRelay) Probe(context.Context, string) error { return nil }

func (d *fakeRelay) last() *fakeRelayRoom {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rooms) == 0 {
		return nil
	}
	return d.rooms[len(d.rooms)-1]
}

type fakePeer struct {
	remote domain.UserID

	mu       sync.Mutex
	mic      []bool
	answered string
	closed   bool
}

func (p *fakePeer) Remote() domain.UserID { return p.remote }
func (p *fakePeer) CreateOffer(context.Context) (string, error) {
	return "offer-to-" + string(p.remote), nil
}
func (p *fakePeer) AcceptOffer(_ context.Context, sdp string) (string, error) {
	return "answer-for-" + sdp, nil
}
func (p *fakePeer) AcceptAnswer(sdp string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answered = sdp
	return nil
}
func (p *fakePeer) SetMicrophoneEnabled(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mic = append(p.mic, on)
	return nil
}
func (p *fakePeer) OnStateChange(func(bool)) {}
func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) lastMic() (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.mic) == 0 {
		return false, false
	}
	return p.mic[len(p.mic)-1], true
}

type fakePeers struct {
	mu    sync.Mutex
	peers map[domain.UserID]*fakePeer
}

func (f *fakePeers) NewPeer(_ context.Context, remote domain.UserID) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakePeer{remote: remote}
	f.peers[remote] = p
	return p, nil
}

func (f *fakePeers) get(remote domain.UserID) *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[remote]
}

type fixedEntitlements struct{ tier domain.Tier }

func (f fixedEntitlements) Get(_ context.Context, uid domain.UserID) (entitlement.Summary, error) {
	return entitlement.Summary{UserID: uid, Tier: f.tier, Features: domain.FeaturesFor(f.tier)}, nil
}

type client struct {
	ctl   *Controller
	store *store.Store
	relay *fakeRelay
	peers *fakePeers
	pool  *fallback.Pool
}

func newClient(t *testing.T, url string, uid domain.UserID, probe health.ProberFunc, ents EntitlementReader) *client {
	t.Helper()
	st := store.New(context.Background())
	relay := &fakeRelay{id: uid}
	peers := &fakePeers{peers: map[domain.UserID]*fakePeer{}}
	pool := fallback.NewPool(peers)
	ctl := New(Deps{
		Signal: signalclient.New(signalclient.Config{
			URL:        url,
			BaseDelay:  10 * time.Millisecond,
			MaxDelay:   50 * time.Millisecond,
			Heartbeat:  time.Hour,
			AckTimeout: 2 * time.Second,
		}),
		Media:        media.NewSession(relay),
		Pool:         pool,
		Monitor:      health.NewMonitor(probe, health.Config{Interval: 20 * time.Millisecond, Timeout: 50 * time.Millisecond, MaxRetries: 3}),
		Store:        st,
		Entitlements: ents,
	})
	t.Cleanup(func() {
		ctl.Close()
		st.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, ctl.Start(ctx, uid, ""))
	return &client{ctl: ctl, store: st, relay: relay, peers: peers, pool: pool}
}

func (c *client) mode() domain.VoiceMode { return store.Select(c.store, store.ConnectionMode) }

func (c *client) participant(uid domain.UserID) domain.Participant {
	p := store.Select(c.store, store.ParticipantOf(uid))
	if p == nil {
		return domain.Participant{}
	}
	return *p
}

func failing(context.Context) error { return errors.New("relay unreachable") }
func healthy(context.Context) error { return nil }

const wait = 3 * time.Second
const tick = 10 * time.Millisecond

func joinBoth(t *testing.T, a, b *client) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.ctl.JoinRoom(ctx, "R1", domain.RoomKindMatch))
	require.NoError(t, b.ctl.JoinRoom(ctx, "R1", domain.RoomKindMatch))
	require.Eventually(t, func() bool {
		return a.participant("bob").UserID == "bob" && b.participant("alice").UserID == "alice"
	}, wait, tick)
}

func TestRelayVoiceMuteAndLeave(t *testing.T) {
	url := coordServer(t)
	a := newClient(t, url, "alice", healthy, nil)
	b := newClient(t, url, "bob", healthy, nil)
	joinBoth(t, a, b)
	ctx := context.Background()

	require.NoError(t, a.ctl.JoinVoice(ctx))
	require.Eventually(t, func() bool { return a.mode() == domain.VoiceModeRelay }, wait, tick)
	assert.NotEmpty(t, a.ctl.RelayToken())
	assert.Eventually(t, func() bool { return b.participant("alice").InVoice }, wait, tick)

	require.NoError(t, a.ctl.SetMuted(ctx, true))
	assert.True(t, store.Select(a.store, store.VoiceState).Muted)
	assert.True(t, a.participant("alice").VoiceMuted)
	assert.Equal(t, []bool{false}, a.relay.last().mics())
	assert.Eventually(t, func() bool { return b.participant("alice").VoiceMuted }, wait, tick)
	assert.False(t, store.Select(b.store, store.VoiceState).Muted)

	require.NoError(t, a.ctl.LeaveVoice(ctx))
	assert.Equal(t, domain.VoiceModeDisconnected, a.mode())
	assert.True(t, a.relay.last().isClosed())
	assert.Eventually(t, func() bool { return !b.participant("alice").InVoice }, wait, tick)
	assert.ErrorIs(t, a.ctl.SetMuted(ctx, false), ErrNotInVoice)
}

func TestFailedProbesMoveBothClientsToDirectPeers(t *testing.T) {
	url := coordServer(t)
	a := newClient(t, url, "alice", failing, nil)
	b := newClient(t, url, "bob", failing, nil)
	joinBoth(t, a, b)
	ctx := context.Background()

	require.NoError(t, a.ctl.JoinVoice(ctx))
	require.NoError(t, b.ctl.JoinVoice(ctx))

	require.Eventually(t, func() bool {
		return a.mode() == domain.VoiceModeFallback && b.mode() == domain.VoiceModeFallback
	}, wait, tick)
	assert.True(t, store.Select(a.store, store.HealthState).FallbackActive || store.Select(b.store, store.HealthState).FallbackActive)
	assert.True(t, store.Select(a.store, store.CurrentRoom).Fallback)

	// alice sorts first, so she offers and bob answers.
	require.Eventually(t, func() bool {
		p := a.peers.get("bob")
		if p == nil {
			return false
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.answered == "answer-for-offer-to-bob"
	}, wait, tick)
	assert.NotNil(t, b.peers.get("alice"))
	assert.Equal(t, []fallback.Key{{Room: "R1", Peer: "bob"}}, a.pool.ListConnections())
	if r := a.relay.last(); r != nil {
		assert.True(t, r.isClosed())
	}

	require.NoError(t, a.ctl.SetMuted(ctx, true))
	assert.True(t, store.Select(a.store, store.VoiceState).Muted)
	on, ok := a.peers.get("bob").lastMic()
	require.True(t, ok)
	assert.False(t, on)

	assert.Eventually(t, func() bool { return b.participant("alice").VoiceMuted }, wait, tick)
	assert.False(t, store.Select(b.store, store.VoiceState).Muted)
	assert.False(t, a.participant("bob").VoiceMuted)
	assert.Equal(t, domain.VoiceModeFallback, a.mode())
}

func TestResetFallbackReentersStickyRoom(t *testing.T) {
	url := coordServer(t)
	a := newClient(t, url, "alice", failing, nil)
	ctx := context.Background()
	require.NoError(t, a.ctl.JoinRoom(ctx, "R1", domain.RoomKindMatch))
	require.NoError(t, a.ctl.JoinVoice(ctx))
	require.Eventually(t, func() bool { return a.mode() == domain.VoiceModeFallback }, wait, tick)

	require.NoError(t, a.ctl.ResetFallback(ctx))
	assert.False(t, a.ctl.monitor.Status().FallbackActive)
	// The room stays in direct peer mode on the server.
	assert.Eventually(t, func() bool { return a.mode() == domain.VoiceModeFallback }, wait, tick)
}

func TestNextVoiceSessionFallsBackAgain(t *testing.T) {
	url := coordServer(t)
	a := newClient(t, url, "alice", failing, nil)
	ctx := context.Background()
	require.NoError(t, a.ctl.JoinRoom(ctx, "R1", domain.RoomKindMatch))
	require.NoError(t, a.ctl.JoinVoice(ctx))
	require.Eventually(t, func() bool { return a.mode() == domain.VoiceModeFallback }, wait, tick)

	require.NoError(t, a.ctl.LeaveRoom(ctx))
	st := a.ctl.monitor.Status()
	assert.False(t, st.FallbackActive)
	assert.Zero(t, st.ConsecutiveFailures)

	require.NoError(t, a.ctl.JoinRoom(ctx, "R2", domain.RoomKindMatch))
	require.Eventually(t, func() bool {
		r := store.Select(a.store, store.CurrentRoom)
		return r != nil && r.ID == "R2"
	}, wait, tick)
	require.NoError(t, a.ctl.JoinVoice(ctx))
	assert.Eventually(t, func() bool {
		r := store.Select(a.store, store.CurrentRoom)
		return a.mode() == domain.VoiceModeFallback && r != nil && r.ID == "R2" && r.Fallback
	}, wait, tick)
}

func TestFeatureGates(t *testing.T) {
	url := coordServer(t)
	free := newClient(t, url, "alice", healthy, nil)
	ctx := context.Background()
	assert.ErrorIs(t, free.ctl.SetPushToTalk(ctx, true), ErrNotEntitled)
	assert.ErrorIs(t, free.ctl.JoinRoom(ctx, "C1", domain.RoomKindCustom), ErrNotEntitled)
	assert.ErrorIs(t, free.ctl.JoinVoice(ctx), ErrNoRoom)

	paid := newClient(t, url, "bob", healthy, fixedEntitlements{tier: domain.TierPremium})
	require.Eventually(t, func() bool { return store.Select(paid.store, store.CanUse(domain.FeaturePushToTalk)) }, wait, tick)
	require.NoError(t, paid.ctl.SetPushToTalk(ctx, true))
	assert.True(t, store.Select(paid.store, store.VoiceState).PushToTalk)
}

func TestRoomClosedTearsDownVoice(t *testing.T) {
	url := coordServer(t)
	a := newClient(t, url, "alice", healthy, nil)
	b := newClient(t, url, "bob", healthy, nil)
	joinBoth(t, a, b)
	ctx := context.Background()

	require.NoError(t, b.ctl.JoinVoice(ctx))
	require.Eventually(t, func() bool { return b.mode() == domain.VoiceModeRelay }, wait, tick)

	require.NoError(t, a.ctl.CloseRoom(ctx))
	assert.Eventually(t, func() bool {
		return store.Select(b.store, store.CurrentRoom) == nil && b.mode() == domain.VoiceModeDisconnected
	}, wait, tick)
	assert.ErrorIs(t, b.ctl.JoinVoice(ctx), ErrNoRoom)
}
