package rtc

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/QuizVoice/internal/core"
)

// ErrPermissionDenied is returned by an AudioSource that may not capture.
var ErrPermissionDenied = core.ErrPermissionDenied

const frameDuration = 20 * time.Millisecond

// AudioSource yields encoded Opus frames of frameDuration each.
type AudioSource interface {
	Open() error
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// opusSilence is a valid 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource paces silent Opus frames; used by headless clients and bots.
type SilenceSource struct {
	ticker *time.Ticker
}

func NewSilenceSource() *SilenceSource { return &SilenceSource{} }

func (s *SilenceSource) Open() error {
	s.ticker = time.NewTicker(frameDuration)
	return nil
}

func (s *SilenceSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ticker.C:
		return opusSilence, nil
	}
}

func (s *SilenceSource) Close() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	return nil
}

func newOpusTrack(streamID string) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		streamID,
	)
}

// pumpAudio writes frames from src into track until ctx ends.
func pumpAudio(ctx context.Context, src AudioSource, track *webrtc.TrackLocalStaticSample) {
	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("module", "rtc.audio").Msg("audio source stopped")
			}
			return
		}
		if err := track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
			log.Warn().Err(err).Str("module", "rtc.audio").Msg("write sample")
			return
		}
	}
}
