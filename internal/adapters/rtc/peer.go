package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// PeerFactory builds direct pion connections for fallback mode.
type PeerFactory struct {
	ICE       webrtc.Configuration
	Self      domain.UserID
	NewSource func() AudioSource
}

var _ core.PeerFactory = (*PeerFactory)(nil)

func NewPeerFactory(ice webrtc.Configuration, self domain.UserID, newSource func() AudioSource) *PeerFactory {
	if newSource == nil {
		newSource = func() AudioSource { return NewSilenceSource() }
	}
	return &PeerFactory{ICE: ice, Self: self, NewSource: newSource}
}

func (f *PeerFactory) NewPeer(ctx context.Context, remote domain.UserID) (core.PeerConnection, error) {
	src := f.NewSource()
	if err := src.Open(); err != nil {
		return nil, fmt.Errorf("open audio: %w", err)
	}
	pc, err := webrtc.NewPeerConnection(f.ICE)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	track, err := newOpusTrack(string(f.Self))
	if err != nil {
		_ = pc.Close()
		_ = src.Close()
		return nil, err
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		_ = src.Close()
		return nil, err
	}
	go drainRTCP(sender)

	pctx, cancel := context.WithCancel(context.Background())
	p := &directPeer{
		remote: remote,
		pc:     pc,
		src:    src,
		track:  track,
		sender: sender,
		cancel: cancel,
		log:    log.With().Str("module", "rtc.peer").Str("remote", string(remote)).Logger(),
	}
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Debug().Str("track_id", t.ID()).Msg("remote track")
		for {
			if _, _, err := t.ReadRTP(); err != nil {
				return
			}
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", s.String()).Msg("peer state")
		p.mu.Lock()
		fn := p.onState
		p.mu.Unlock()
		if fn == nil {
			return
		}
		switch s {
		case webrtc.PeerConnectionStateConnected:
			fn(true)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			fn(false)
		}
	})
	go pumpAudio(pctx, src, track)
	return p, nil
}

type directPeer struct {
	remote domain.UserID
	pc     *webrtc.PeerConnection
	src    AudioSource
	track  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender
	cancel context.CancelFunc
	log    zerolog.Logger

	mu      sync.Mutex
	onState func(bool)
	once    sync.Once
}

func (p *directPeer) Remote() domain.UserID { return p.remote }

func (p *directPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	local, err := completeLocalDescription(ctx, p.pc, offer)
	if err != nil {
		return "", err
	}
	return local.SDP, nil
}

func (p *directPeer) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	local, err := completeLocalDescription(ctx, p.pc, answer)
	if err != nil {
		return "", err
	}
	return local.SDP, nil
}

func (p *directPeer) AcceptAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *directPeer) SetMicrophoneEnabled(enabled bool) error {
	var t webrtc.TrackLocal
	if enabled {
		t = p.track
	}
	return p.sender.ReplaceTrack(t)
}

func (p *directPeer) OnStateChange(fn func(connected bool)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *directPeer) Close() error {
	var err error
	p.once.Do(func() {
		p.cancel()
		err = p.pc.Close()
		_ = p.src.Close()
	})
	return err
}
