// Package voice wires the signaling client, the relay media session, the
// direct-peer pool and the health monitor into the client store.
//
// Signal events are handled on the signaling read goroutine and only turn into
// store actions or queued work. Relay joins, fallback switches and peer
// negotiation run on one worker goroutine, in the order their events arrived.
package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/entitlement"
	"github.com/dkeye/QuizVoice/internal/fallback"
	"github.com/dkeye/QuizVoice/internal/health"
	"github.com/dkeye/QuizVoice/internal/media"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/dkeye/QuizVoice/internal/signalclient"
	"github.com/dkeye/QuizVoice/internal/store"
)

var (
	ErrNoRoom       = errors.New("not in a room")
	ErrNotInVoice   = errors.New("not in voice")
	ErrNotEntitled  = errors.New("feature not available on this tier")
	ErrAlreadyStart = errors.New("voice controller already started")
)

const (
	workQueue   = 64
	joinTimeout = 15 * time.Second
)

// EntitlementReader loads the caller's tier and features.
type EntitlementReader interface {
	Get(ctx context.Context, uid domain.UserID) (entitlement.Summary, error)
}

type Deps struct {
	Signal  *signalclient.Client
	Media   *media.Session
	Pool    *fallback.Pool
	Monitor *health.Monitor
	Store   *store.Store
	// Entitlements is optional; without it the store keeps the free tier.
	Entitlements EntitlementReader
}

type Controller struct {
	sig     *signalclient.Client
	media   *media.Session
	pool    *fallback.Pool
	monitor *health.Monitor
	store   *store.Store
	ents    EntitlementReader
	log     zerolog.Logger

	work chan func(context.Context)

	mu        sync.Mutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	self      domain.UserID
	room      domain.RoomID
	grant     *protocol.RelayJoin
	wantVoice bool
	inFall    bool
	unsubs    []func()
}

func New(d Deps) *Controller {
	return &Controller{
		sig:     d.Signal,
		media:   d.Media,
		pool:    d.Pool,
		monitor: d.Monitor,
		store:   d.Store,
		ents:    d.Entitlements,
		log:     log.With().Str("module", "voice").Logger(),
		work:    make(chan func(context.Context), workQueue),
	}
}

// Start subscribes to every source, connects signaling and loads
// entitlements. It returns once signaling connected or ctx ended; in the
// latter case reconnecting keeps going in the background.
func (c *Controller) Start(ctx context.Context, uid domain.UserID, token string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStart
	}
	c.started = true
	c.self = uid
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.store.Dispatch(store.SetSelf{UserID: uid})
	c.subscribe()
	go c.worker()

	if c.ents != nil {
		go c.loadEntitlements(uid)
	}
	return c.sig.Connect(ctx, uid, token)
}

// Close tears down voice locally and disconnects signaling.
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel, done, unsubs := c.cancel, c.done, c.unsubs
	c.unsubs = nil
	c.wantVoice, c.inFall, c.grant = false, false, nil
	c.mu.Unlock()

	c.monitor.Stop()
	cancel()
	<-done
	c.media.Leave()
	c.pool.Deactivate()
	c.sig.Disconnect()
	for _, u := range unsubs {
		u()
	}
	c.log.Info().Msg("closed")
}

func (c *Controller) worker() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.work:
			fn(c.ctx)
		}
	}
}

// enqueue hands fn to the worker. fn must not wait for an ack: the worker can
// be what the signaling read loop is blocked on.
func (c *Controller) enqueue(fn func(context.Context)) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		return
	}
	select {
	case c.work <- fn:
	case <-ctx.Done():
	}
}

func (c *Controller) loadEntitlements(uid domain.UserID) {
	ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
	defer cancel()
	sum, err := c.ents.Get(ctx, uid)
	if err != nil {
		c.log.Warn().Err(err).Str("user", string(uid)).Msg("entitlements unavailable, staying on free tier")
		return
	}
	c.store.Dispatch(store.EntitlementLoaded{Tier: sum.Tier, Features: sum.Features})
}

func (c *Controller) currentRoom() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// JoinRoom enters roomID, leaving voice first when switching rooms. Custom
// rooms need the custom_rooms feature.
func (c *Controller) JoinRoom(ctx context.Context, roomID domain.RoomID, kind domain.RoomKind) error {
	if kind == domain.RoomKindCustom && !store.Select(c.store, store.CanUse(domain.FeatureCustomRooms)) {
		return ErrNotEntitled
	}
	prev := c.currentRoom()
	if prev != "" && prev != roomID {
		c.teardownVoice()
	}
	c.mu.Lock()
	c.room = roomID
	c.mu.Unlock()
	if err := c.sig.JoinRoom(ctx, roomID, kind); err != nil {
		if errors.Is(err, signalclient.ErrRejected) {
			c.mu.Lock()
			c.room = ""
			c.mu.Unlock()
		}
		return err
	}
	return nil
}

func (c *Controller) LeaveRoom(ctx context.Context) error {
	room := c.currentRoom()
	if room == "" {
		return ErrNoRoom
	}
	c.teardownVoice()
	c.mu.Lock()
	c.room = ""
	c.mu.Unlock()
	c.store.Dispatch(store.RoomLeft{RoomID: room})
	return c.sig.LeaveRoom(ctx, room)
}

// CloseRoom asks the server to close the current room. Only the owner may.
func (c *Controller) CloseRoom(ctx context.Context) error {
	room := c.currentRoom()
	if room == "" {
		return ErrNoRoom
	}
	_, err := c.sig.Send(ctx, protocol.EventRoomClose, protocol.RoomRef{RoomID: room})
	return err
}

// JoinVoice asks for voice in the current room. The server answers with a
// relay grant, or with the fallback notice when the room already switched.
func (c *Controller) JoinVoice(ctx context.Context) error {
	room := c.currentRoom()
	if room == "" {
		return ErrNoRoom
	}
	if !store.Select(c.store, store.CanUse(domain.FeatureVoiceChat)) {
		return ErrNotEntitled
	}
	c.mu.Lock()
	c.wantVoice = true
	c.mu.Unlock()
	c.store.Dispatch(store.VoiceErrorCleared{})
	if _, err := c.sig.Send(ctx, protocol.EventVoiceJoin, protocol.RoomRef{RoomID: room}); err != nil {
		c.mu.Lock()
		c.wantVoice = false
		c.mu.Unlock()
		c.store.Dispatch(store.VoiceFailed{Kind: errorKind(err), Message: err.Error()})
		return err
	}
	return nil
}

func (c *Controller) LeaveVoice(ctx context.Context) error {
	room := c.currentRoom()
	if room == "" {
		return ErrNoRoom
	}
	c.teardownVoice()
	_, err := c.sig.Send(ctx, protocol.EventVoiceLeave, protocol.RoomRef{RoomID: room})
	return err
}

// teardownVoice drops every local voice resource without telling the server.
func (c *Controller) teardownVoice() {
	c.mu.Lock()
	room := c.room
	c.wantVoice, c.inFall, c.grant = false, false, nil
	c.mu.Unlock()

	c.monitor.Stop()
	// Probe state belongs to the voice session that just ended.
	c.monitor.ResetFallback()
	c.media.Leave()
	if room != "" {
		c.pool.RemoveRoom(room)
	}
	c.pool.Deactivate()
	c.store.Dispatch(store.VoiceDisconnected{})
}

// SetMuted applies the microphone change through whichever transport is live,
// then tells the room.
func (c *Controller) SetMuted(ctx context.Context, muted bool) error {
	room := c.currentRoom()
	switch store.Select(c.store, store.ConnectionMode) {
	case domain.VoiceModeRelay:
		if err := c.media.SetMuted(ctx, muted); err != nil {
			return err
		}
	case domain.VoiceModeFallback:
		c.setPeerMics(room, !muted)
		c.store.Dispatch(store.LocalMuted{Muted: muted})
	default:
		return ErrNotInVoice
	}
	_, err := c.sig.Send(ctx, protocol.EventVoiceMute, protocol.VoiceMute{RoomID: room, Muted: muted})
	return err
}

// SetPushToTalk switches push-to-talk; it needs the push_to_talk feature.
func (c *Controller) SetPushToTalk(ctx context.Context, enabled bool) error {
	if enabled && !store.Select(c.store, store.CanUse(domain.FeaturePushToTalk)) {
		return ErrNotEntitled
	}
	room := c.currentRoom()
	mode := store.Select(c.store, store.ConnectionMode)
	if err := c.media.SetPushToTalk(ctx, enabled); err != nil {
		return err
	}
	if mode == domain.VoiceModeFallback && enabled {
		c.setPeerMics(room, false)
		c.store.Dispatch(store.LocalMuted{Muted: true})
	}
	c.store.Dispatch(store.PushToTalkChanged{Enabled: enabled})
	if enabled && mode != domain.VoiceModeDisconnected {
		_, err := c.sig.Send(ctx, protocol.EventVoiceMute, protocol.VoiceMute{RoomID: room, Muted: true})
		return err
	}
	return nil
}

func (c *Controller) PressTalk(ctx context.Context) error   { return c.talk(ctx, true) }
func (c *Controller) ReleaseTalk(ctx context.Context) error { return c.talk(ctx, false) }

func (c *Controller) talk(ctx context.Context, on bool) error {
	room := c.currentRoom()
	switch store.Select(c.store, store.ConnectionMode) {
	case domain.VoiceModeRelay:
		op := c.media.ReleaseTalk
		if on {
			op = c.media.PressTalk
		}
		if err := op(ctx); err != nil {
			return err
		}
	case domain.VoiceModeFallback:
		if !store.Select(c.store, store.VoiceState).PushToTalk {
			return media.ErrPushToTalkOff
		}
		c.setPeerMics(room, on)
		c.store.Dispatch(store.LocalMuted{Muted: !on})
		c.store.Dispatch(store.LocalSpeaking{Speaking: on})
	default:
		return ErrNotInVoice
	}
	return c.sig.Emit(protocol.EventVoicePushToTalk, protocol.VoicePushToTalk{RoomID: room, Speaking: on})
}

func (c *Controller) setPeerMics(room domain.RoomID, enabled bool) {
	for _, k := range c.pool.ListConnections() {
		if k.Room != room {
			continue
		}
		pc, ok := c.pool.Get(k.Room, k.Peer)
		if !ok {
			continue
		}
		if err := pc.SetMicrophoneEnabled(enabled); err != nil {
			c.log.Warn().Err(err).Str("peer", string(k.Peer)).Msg("set peer microphone")
		}
	}
}

func (c *Controller) SendChat(ctx context.Context, text string) error {
	room := c.currentRoom()
	if room == "" {
		return ErrNoRoom
	}
	_, err := c.sig.Send(ctx, protocol.EventChatMessage, protocol.ChatSend{RoomID: room, Text: text})
	return err
}

func (c *Controller) Vote(ctx context.Context, questionID, choice string) error {
	room := c.currentRoom()
	if room == "" {
		return ErrNoRoom
	}
	_, err := c.sig.Send(ctx, protocol.EventGameVote, protocol.VoteCast{RoomID: room, QuestionID: questionID, Choice: choice})
	return err
}

func (c *Controller) SetReady(ctx context.Context, ready bool) error {
	room := c.currentRoom()
	if room == "" {
		return ErrNoRoom
	}
	_, err := c.sig.Send(ctx, protocol.EventGameReady, protocol.ReadySet{RoomID: room, Ready: ready})
	return err
}

// ResetFallback clears the local fallback decision, closes the direct peers
// and asks for voice again. A room the server still marks as fallback answers
// with the fallback notice and the client switches straight back.
func (c *Controller) ResetFallback(ctx context.Context) error {
	c.monitor.ResetFallback()
	c.mu.Lock()
	was, want, room := c.inFall, c.wantVoice, c.room
	c.inFall = false
	c.mu.Unlock()
	if !was {
		return nil
	}
	c.pool.Deactivate()
	c.store.Dispatch(store.VoiceDisconnected{})
	if !want || room == "" {
		return nil
	}
	return c.JoinVoice(ctx)
}

// RelayToken returns the token of the last relay grant, used by health probes.
func (c *Controller) RelayToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.grant == nil {
		return ""
	}
	return c.grant.Token
}

func errorKind(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, signalclient.ErrRejected):
		return domain.ErrorKindValidation
	default:
		return domain.ErrorKindTransient
	}
}

// joinRelay runs on the worker once a grant arrived.
func (c *Controller) joinRelay(ctx context.Context, grant protocol.RelayJoin) {
	c.mu.Lock()
	ok := c.wantVoice && !c.inFall && c.room == grant.RoomID
	if ok {
		g := grant
		c.grant = &g
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug().Str("room", string(grant.RoomID)).Msg("stale relay grant ignored")
		return
	}

	jctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	if err := c.media.Join(jctx, grant.Token, string(grant.RoomID)); err != nil {
		if errors.Is(err, media.ErrAlreadyConnected) {
			return
		}
		c.log.Warn().Err(err).Str("room", string(grant.RoomID)).Msg("relay join failed")
		return
	}
	c.mu.Lock()
	stale := !c.wantVoice || c.inFall || c.room != grant.RoomID
	c.mu.Unlock()
	if stale {
		c.media.Leave()
		return
	}
	c.store.Dispatch(store.VoiceConnected{RoomID: grant.RoomID, Mode: domain.VoiceModeRelay})
	c.monitor.Start(ctx)
}

// activateFallback switches this client to direct peers. own marks a switch
// decided by the local monitor, which the room has to hear about.
func (c *Controller) activateFallback(ctx context.Context, room domain.RoomID, reason string, own bool) {
	c.mu.Lock()
	if !c.wantVoice || c.inFall || c.room != room || room == "" {
		c.mu.Unlock()
		return
	}
	c.inFall = true
	self := c.self
	c.mu.Unlock()

	c.log.Warn().Str("room", string(room)).Str("reason", reason).Bool("own", own).Msg("switching to direct peers")
	c.store.Dispatch(store.VoiceConnected{RoomID: room, Mode: domain.VoiceModeFallback})
	c.store.Dispatch(store.RoomFallback{RoomID: room})
	c.media.Leave()
	c.pool.Activate()
	if own {
		if err := c.sig.Emit(protocol.EventVoiceFallback, protocol.VoiceFallback{RoomID: room, Reason: reason}); err != nil {
			c.log.Warn().Err(err).Msg("report fallback")
		}
	}
	for _, p := range store.Select(c.store, store.VoiceParticipants) {
		if p.UserID != self && fallback.ShouldOffer(self, p.UserID) {
			c.offer(ctx, room, p.UserID)
		}
	}
}

func (c *Controller) inFallback(room domain.RoomID) (domain.UserID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self, c.inFall && c.room == room
}

// peer gets or creates the connection to remote with the local mute applied.
func (c *Controller) peer(ctx context.Context, room domain.RoomID, remote domain.UserID) (core.PeerConnection, error) {
	pc, err := c.pool.CreatePeerConnection(ctx, room, remote)
	if err != nil {
		return nil, err
	}
	muted := store.Select(c.store, store.VoiceState).Muted
	if err := pc.SetMicrophoneEnabled(!muted); err != nil {
		c.log.Debug().Err(err).Str("peer", string(remote)).Msg("apply mute to peer")
	}
	pc.OnStateChange(func(connected bool) {
		c.log.Info().Str("peer", string(remote)).Bool("connected", connected).Msg("peer state")
	})
	return pc, nil
}

func (c *Controller) offer(ctx context.Context, room domain.RoomID, remote domain.UserID) {
	if _, ok := c.pool.Get(room, remote); ok {
		return
	}
	pc, err := c.peer(ctx, room, remote)
	if err != nil {
		c.log.Warn().Err(err).Str("peer", string(remote)).Msg("create peer")
		return
	}
	sdp, err := pc.CreateOffer(ctx)
	if err != nil {
		c.log.Warn().Err(err).Str("peer", string(remote)).Msg("create offer")
		c.pool.RemovePeerConnection(room, remote)
		return
	}
	if err := c.sig.Emit(protocol.EventWebRTCOffer, protocol.PeerSignal{RoomID: room, To: remote, SDP: sdp}); err != nil {
		c.log.Warn().Err(err).Str("peer", string(remote)).Msg("send offer")
	}
}

func (c *Controller) answer(ctx context.Context, sig protocol.PeerSignal) {
	if _, ok := c.inFallback(sig.RoomID); !ok {
		// An offer can overtake the room's fallback notice.
		c.activateFallback(ctx, sig.RoomID, "peer offer", false)
		if _, ok := c.inFallback(sig.RoomID); !ok {
			c.log.Debug().Str("from", string(sig.From)).Msg("offer outside fallback ignored")
			return
		}
	}
	pc, err := c.peer(ctx, sig.RoomID, sig.From)
	if err != nil {
		c.log.Warn().Err(err).Str("peer", string(sig.From)).Msg("create peer")
		return
	}
	sdp, err := pc.AcceptOffer(ctx, sig.SDP)
	if err != nil {
		c.log.Warn().Err(err).Str("peer", string(sig.From)).Msg("accept offer")
		c.pool.RemovePeerConnection(sig.RoomID, sig.From)
		return
	}
	if err := c.sig.Emit(protocol.EventWebRTCAnswer, protocol.PeerSignal{RoomID: sig.RoomID, To: sig.From, SDP: sdp}); err != nil {
		c.log.Warn().Err(err).Str("peer", string(sig.From)).Msg("send answer")
	}
}

func (c *Controller) accept(sig protocol.PeerSignal) {
	pc, ok := c.pool.Get(sig.RoomID, sig.From)
	if !ok {
		c.log.Debug().Str("from", string(sig.From)).Msg("answer for unknown peer")
		return
	}
	if err := pc.AcceptAnswer(sig.SDP); err != nil {
		c.log.Warn().Err(err).Str("peer", string(sig.From)).Msg("accept answer")
		c.pool.RemovePeerConnection(sig.RoomID, sig.From)
	}
}
