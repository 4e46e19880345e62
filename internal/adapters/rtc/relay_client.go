package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	joinTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
	eventBuffer  = 64
)

var ErrJoinRejected = errors.New("relay rejected join")

// RelayDialer connects to the media relay over WebSocket and publishes one
// Opus track over a pion PeerConnection.
type RelayDialer struct {
	URL       string
	ICE       webrtc.Configuration
	NewSource func() AudioSource
	WS        *websocket.Dialer
}

var _ core.RelayDialer = (*RelayDialer)(nil)

func NewRelayDialer(url string, ice webrtc.Configuration, newSource func() AudioSource) *RelayDialer {
	if newSource == nil {
		newSource = func() AudioSource { return NewSilenceSource() }
	}
	return &RelayDialer{
		URL:       url,
		ICE:       ice,
		NewSource: newSource,
		WS:        websocket.DefaultDialer,
	}
}

func (d *RelayDialer) open(ctx context.Context, join protocol.RelayMessage) (*websocket.Conn, protocol.RelayMessage, error) {
	ws, _, err := d.WS.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, protocol.RelayMessage{}, fmt.Errorf("dial relay: %w", err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(joinTimeout)
	}
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteJSON(join); err != nil {
		_ = ws.Close()
		return nil, protocol.RelayMessage{}, fmt.Errorf("send join: %w", err)
	}
	_ = ws.SetReadDeadline(deadline)
	for {
		var msg protocol.RelayMessage
		if err := ws.ReadJSON(&msg); err != nil {
			_ = ws.Close()
			return nil, protocol.RelayMessage{}, fmt.Errorf("await joined: %w", err)
		}
		switch msg.Type {
		case protocol.RelayJoined:
			_ = ws.SetReadDeadline(time.Time{})
			_ = ws.SetWriteDeadline(time.Time{})
			return ws, msg, nil
		case protocol.RelayError:
			_ = ws.Close()
			return nil, protocol.RelayMessage{}, fmt.Errorf("%w: %s", ErrJoinRejected, msg.Error)
		}
	}
}

// Probe opens a probe session and leaves immediately.
func (d *RelayDialer) Probe(ctx context.Context, token string) error {
	ws, _, err := d.open(ctx, protocol.RelayMessage{Type: protocol.RelayTypeJoin, Token: token, Probe: true})
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = ws.WriteJSON(protocol.RelayMessage{Type: protocol.RelayLeave})
	return ws.Close()
}

func (d *RelayDialer) Dial(ctx context.Context, token, roomName string) (core.RelayRoom, error) {
	src := d.NewSource()
	if err := src.Open(); err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}

	ws, joined, err := d.open(ctx, protocol.RelayMessage{Type: protocol.RelayTypeJoin, Token: token, Room: roomName})
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	pc, err := webrtc.NewPeerConnection(d.ICE)
	if err != nil {
		_ = ws.Close()
		_ = src.Close()
		return nil, err
	}

	track, err := newOpusTrack(joined.Identity)
	if err != nil {
		_ = pc.Close()
		_ = ws.Close()
		_ = src.Close()
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		_ = ws.Close()
		_ = src.Close()
		return nil, err
	}

	roomCtx, cancel := context.WithCancel(context.Background())
	r := &relayRoom{
		identity: domain.UserID(joined.Identity),
		ws:       ws,
		pc:       pc,
		src:      src,
		track:    track,
		sender:   sender,
		events:   make(chan core.RelayEvent, eventBuffer),
		done:     make(chan struct{}),
		ctx:      roomCtx,
		cancel:   cancel,
		log:      log.With().Str("module", "rtc.relay").Str("identity", joined.Identity).Str("room", roomName).Logger(),
	}
	for _, p := range joined.Participants {
		r.roster = append(r.roster, core.RelayPeer{Identity: domain.UserID(p.Identity), Muted: p.Muted, Speaking: p.Speaking})
	}

	go drainRTCP(sender)
	pc.OnTrack(r.onTrack)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		r.log.Debug().Str("state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed {
			_ = ws.Close()
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err == nil {
		var local *webrtc.SessionDescription
		local, err = completeLocalDescription(ctx, pc, offer)
		if err == nil {
			err = r.write(protocol.RelayMessage{Type: protocol.RelayOffer, SDP: local.SDP})
		}
	}
	if err != nil {
		r.shutdown()
		return nil, fmt.Errorf("negotiate: %w", err)
	}

	go pumpAudio(roomCtx, src, track)
	go r.readLoop()
	r.log.Info().Int("participants", len(r.roster)).Msg("joined relay room")
	return r, nil
}

type relayRoom struct {
	identity domain.UserID
	roster   []core.RelayPeer

	ws     *websocket.Conn
	wmu    sync.Mutex
	pc     *webrtc.PeerConnection
	src    AudioSource
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender

	events    chan core.RelayEvent
	emitMu    sync.Mutex
	finished  bool
	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

func (r *relayRoom) Identity() domain.UserID        { return r.identity }
func (r *relayRoom) Participants() []core.RelayPeer { return append([]core.RelayPeer(nil), r.roster...) }
func (r *relayRoom) Events() <-chan core.RelayEvent { return r.events }

func (r *relayRoom) write(msg protocol.RelayMessage) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	_ = r.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return r.ws.WriteJSON(msg)
}

// SetMicrophoneEnabled swaps the published track so the sender keeps its
// transceiver and no renegotiation is needed.
func (r *relayRoom) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var t webrtc.TrackLocal
	if enabled {
		t = r.track
	}
	if err := r.sender.ReplaceTrack(t); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	return r.write(protocol.RelayMessage{Type: protocol.RelayMute, Muted: !enabled})
}

func (r *relayRoom) SetSpeaking(ctx context.Context, speaking bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.write(protocol.RelayMessage{Type: protocol.RelaySpeaking, Speaking: speaking})
}

func (r *relayRoom) PublishData(ctx context.Context, payload []byte, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.write(protocol.RelayMessage{Type: protocol.RelayData, Topic: topic, Payload: payload})
}

func (r *relayRoom) Close() error {
	_ = r.write(protocol.RelayMessage{Type: protocol.RelayLeave})
	r.shutdown()
	return nil
}

func (r *relayRoom) shutdown() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.cancel()
		_ = r.ws.Close()
		if err := r.pc.Close(); err != nil {
			r.log.Warn().Err(err).Msg("close peer connection")
		}
		_ = r.src.Close()
	})
}

func (r *relayRoom) emit(ev core.RelayEvent) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.finished {
		return
	}
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

// finish delivers RelayDisconnected and closes the channel.
func (r *relayRoom) finish(err error) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.finished {
		return
	}
	r.finished = true
	ev := core.RelayEvent{Type: core.RelayDisconnected, Identity: r.identity, Err: err}
	select {
	case r.events <- ev:
	case <-r.done:
		select {
		case r.events <- ev:
		default:
		}
	}
	close(r.events)
}

func (r *relayRoom) readLoop() {
	var cause error
	defer func() {
		r.shutdown()
		r.finish(cause)
	}()
	for {
		var msg protocol.RelayMessage
		if err := r.ws.ReadJSON(&msg); err != nil {
			select {
			case <-r.done:
			default:
				cause = fmt.Errorf("relay connection lost: %w", err)
			}
			return
		}
		if err := r.handle(msg); err != nil {
			r.log.Warn().Err(err).Str("type", msg.Type).Msg("relay message failed")
		}
	}
}

func (r *relayRoom) handle(msg protocol.RelayMessage) error {
	switch msg.Type {
	case protocol.RelayAnswer:
		return r.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP})

	case protocol.RelayOffer:
		if err := r.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
			return err
		}
		answer, err := r.pc.CreateAnswer(nil)
		if err != nil {
			return err
		}
		local, err := completeLocalDescription(r.ctx, r.pc, answer)
		if err != nil {
			return err
		}
		return r.write(protocol.RelayMessage{Type: protocol.RelayAnswer, SDP: local.SDP})

	case protocol.RelayCandidate:
		idx := msg.SDPMLineIndex
		mid := msg.SDPMid
		return r.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: msg.Candidate, SDPMid: &mid, SDPMLineIndex: &idx})

	case protocol.RelayPeerJoined:
		r.emit(core.RelayEvent{Type: core.RelayParticipantJoined, Identity: domain.UserID(msg.Identity), Muted: msg.Muted})
	case protocol.RelayPeerLeft:
		r.emit(core.RelayEvent{Type: core.RelayParticipantLeft, Identity: domain.UserID(msg.Identity)})
	case protocol.RelayPeerMuted:
		r.emit(core.RelayEvent{Type: core.RelayMuteChanged, Identity: domain.UserID(msg.Identity), Muted: msg.Muted})
	case protocol.RelayPeerSpeak:
		r.emit(core.RelayEvent{Type: core.RelaySpeakingChanged, Identity: domain.UserID(msg.Identity), Speaking: msg.Speaking})
	case protocol.RelayData:
		r.emit(core.RelayEvent{Type: core.RelayDataReceived, Identity: domain.UserID(msg.Identity), Topic: msg.Topic, Payload: msg.Payload})

	case protocol.RelayError:
		r.log.Warn().Str("error", msg.Error).Msg("relay error")
	case protocol.RelayPong, protocol.RelayJoined:
	default:
		raw, _ := json.Marshal(msg)
		r.log.Debug().RawJSON("msg", raw).Msg("unknown relay message")
	}
	return nil
}

// onTrack reports the remote speaker by stream id, which the relay sets to
// the publisher identity, and drains RTP until the track ends.
func (r *relayRoom) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	id := domain.UserID(track.StreamID())
	r.emit(core.RelayEvent{Type: core.RelayTrackSubscribed, Identity: id})
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			r.emit(core.RelayEvent{Type: core.RelayTrackUnsubscribed, Identity: id})
			return
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
