package relay

import (
	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// Renegotiate sends a server offer to sid. Only one offer is outstanding per
// connection; requests arriving meanwhile collapse into one follow-up.
func (ctl *RelayWSController) Renegotiate(sid core.SessionID) {
	ctl.mu.RLock()
	c, ok := ctl.conns[sid]
	ctl.mu.RUnlock()
	if !ok {
		return
	}
	c.negMu.Lock()
	if c.negotiating {
		c.pending = true
		c.negMu.Unlock()
		return
	}
	c.negotiating = true
	c.negMu.Unlock()
	ctl.sendOffer(c)
}

func (ctl *RelayWSController) sendOffer(c *relayConn) {
	sess, ok := ctl.Orch.Registry.GetSession(c.sid)
	if !ok || sess.Media() == nil || sess.Media().IsClosed() {
		ctl.endNegotiation(c)
		return
	}
	offer, err := sess.Media().CreateAndSetOffer()
	if err != nil {
		c.log.Warn().Err(err).Msg("renegotiate: create offer")
		ctl.endNegotiation(c)
		return
	}
	c.log.Debug().Msg("renegotiate: offer sent")
	c.sendMsg(protocol.RelayMessage{Type: protocol.RelayOffer, SDP: offer.SDP})
}

func (ctl *RelayWSController) handleAnswer(c *relayConn, sdp string) error {
	sess, ok := ctl.Orch.Registry.GetSession(c.sid)
	if !ok || sess.Media() == nil {
		return nil
	}
	err := sess.Media().ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	ctl.endNegotiation(c)
	return err
}

func (ctl *RelayWSController) endNegotiation(c *relayConn) {
	c.negMu.Lock()
	again := c.pending
	c.pending = false
	c.negotiating = again
	c.negMu.Unlock()
	if again {
		ctl.sendOffer(c)
	}
}
