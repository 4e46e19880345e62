package sfu

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type RelayManager struct {
	mu     sync.RWMutex
	relays map[core.SessionID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[core.SessionID]*Relay),
	}
}

// StartRelay creates a new Relay for the given speaker SID and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, sid core.SessionID, identity string, track *webrtc.TrackRemote) {
	logger := log.With().
		Str("module", "relay").
		Str("sid", string(sid)).
		Str("identity", identity).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	relay := NewRelay(track, identity, cancel)

	m.mu.Lock()
	if old, ok := m.relays[sid]; ok {
		logger.Info().Msg("replacing existing relay for sid")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
	}
	m.relays[sid] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go relay.loop(relayCtx, &logger)
}

// Subscribe adds a local copy of srcSID's track to dst's PeerConnection.
// The caller renegotiates dst afterwards.
func (m *RelayManager) Subscribe(srcSID, dstSID core.SessionID, dst core.MediaConnection) error {
	m.mu.RLock()
	relay, ok := m.relays[srcSID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no relay for %s", srcSID)
	}
	if ot, ok := relay.outTrack(dstSID); ok && ot.GetState() != TrackStateDelete {
		return nil
	}

	local, err := webrtc.NewTrackLocalStaticRTP(relay.Src.Codec().RTPCodecCapability, "audio-"+relay.Identity, relay.Identity)
	if err != nil {
		return fmt.Errorf("new local track: %w", err)
	}
	sender, err := dst.AddLocalTrack(local)
	if err != nil {
		return fmt.Errorf("add local track: %w", err)
	}
	relay.AddOutTrack(dstSID, NewOutTrack(local, sender))
	log.Info().Str("module", "relay").Str("src_sid", string(srcSID)).Str("dst_sid", string(dstSID)).Msg("subscribed")
	return nil
}

// MarkSubscriberDelete marks subscriber's OutTrack as TrackStateDelete and
// returns it so the caller can detach its sender.
func (m *RelayManager) MarkSubscriberDelete(srcSID, dstSID core.SessionID) (*OutTrack, bool) {
	m.mu.RLock()
	relay, ok := m.relays[srcSID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	ot, ok := relay.outTrack(dstSID)
	if !ok || ot.GetState() == TrackStateDelete {
		return nil, false
	}
	ot.MarkDelete()
	return ot, true
}

// SetMuted switches every out track of the speaker srcSID.
func (m *RelayManager) SetMuted(srcSID core.SessionID, muted bool) bool {
	m.mu.RLock()
	relay, ok := m.relays[srcSID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	relay.setMuted(muted)
	return true
}

// StopRelay stops a relay and removes it from the manager. It returns the
// out tracks that were live, keyed by subscriber.
func (m *RelayManager) StopRelay(srcSID core.SessionID) map[core.SessionID]*OutTrack {
	m.mu.Lock()
	relay, ok := m.relays[srcSID]
	if ok {
		delete(m.relays, srcSID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	live := relay.liveOutTracks()
	relay.markAllDelete()
	if relay.cancel != nil {
		relay.cancel()
	}
	log.Info().Str("module", "relay").Str("sid", string(srcSID)).Int("subscribers", len(live)).Msg("relay stopped")
	return live
}

// HasRelay reports whether a relay exists for sid.
func (m *RelayManager) HasRelay(sid core.SessionID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[sid]
	return ok
}

func (m *RelayManager) Subscribers(sid core.SessionID) int {
	m.mu.RLock()
	relay, ok := m.relays[sid]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return relay.subscribers()
}
