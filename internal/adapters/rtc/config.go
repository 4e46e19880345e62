package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"
)

var DefaultSTUNURLs = []string{"stun:stun.l.google.com:19302"}

// WebRTCConfig builds a STUN-only configuration; no TURN relay is assumed.
func WebRTCConfig(stunURLs []string) webrtc.Configuration {
	if len(stunURLs) == 0 {
		stunURLs = DefaultSTUNURLs
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: stunURLs,
			},
		},
	}
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return WebRTCConfig(nil)
}

// completeLocalDescription sets desc as local description and waits for ICE
// gathering, so the returned SDP carries every candidate.
func completeLocalDescription(ctx context.Context, pc *webrtc.PeerConnection, desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return pc.LocalDescription(), nil
}
