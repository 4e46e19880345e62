// Package fallback holds the direct peer connections used while the relay is
// unavailable. It never decides when to activate; its owner does.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
)

var ErrInactive = errors.New("fallback pool inactive")

type Key struct {
	Room domain.RoomID
	Peer domain.UserID
}

// Pool keeps one connection per remote participant, keyed by room. The mutex
// guards against pion callbacks that close peers from their own goroutines.
type Pool struct {
	factory core.PeerFactory

	mu     sync.Mutex
	active bool
	conns  map[Key]core.PeerConnection
}

func NewPool(f core.PeerFactory) *Pool {
	return &Pool{factory: f, conns: make(map[Key]core.PeerConnection)}
}

// Activate reports whether the pool was inactive before.
func (p *Pool) Activate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return false
	}
	p.active = true
	log.Info().Str("module", "fallback").Msg("pool activated")
	return true
}

// Deactivate closes every connection. Calling it on an inactive pool is a no-op.
func (p *Pool) Deactivate() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	conns := p.conns
	p.conns = make(map[Key]core.PeerConnection)
	p.mu.Unlock()

	for k, c := range conns {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Str("module", "fallback").Str("peer", string(k.Peer)).Msg("close peer")
		}
	}
	log.Info().Str("module", "fallback").Int("closed", len(conns)).Msg("pool deactivated")
}

func (p *Pool) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// CreatePeerConnection returns the connection for (room, peer), creating it
// when absent.
func (p *Pool) CreatePeerConnection(ctx context.Context, room domain.RoomID, peer domain.UserID) (core.PeerConnection, error) {
	key := Key{Room: room, Peer: peer}
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return nil, ErrInactive
	}
	if c, ok := p.conns[key]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	c, err := p.factory.NewPeer(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", peer, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		_ = c.Close()
		return nil, ErrInactive
	}
	if existing, ok := p.conns[key]; ok {
		_ = c.Close()
		return existing, nil
	}
	p.conns[key] = c
	log.Debug().Str("module", "fallback").Str("room", string(room)).Str("peer", string(peer)).Msg("peer created")
	return c, nil
}

func (p *Pool) Get(room domain.RoomID, peer domain.UserID) (core.PeerConnection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[Key{Room: room, Peer: peer}]
	return c, ok
}

func (p *Pool) RemovePeerConnection(room domain.RoomID, peer domain.UserID) {
	key := Key{Room: room, Peer: peer}
	p.mu.Lock()
	c, ok := p.conns[key]
	delete(p.conns, key)
	p.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

// RemoveRoom closes every connection of room.
func (p *Pool) RemoveRoom(room domain.RoomID) {
	p.mu.Lock()
	var drop []core.PeerConnection
	for k, c := range p.conns {
		if k.Room == room {
			drop = append(drop, c)
			delete(p.conns, k)
		}
	}
	p.mu.Unlock()
	for _, c := range drop {
		_ = c.Close()
	}
}

// ListConnections returns the keys sorted by room, then peer.
func (p *Pool) ListConnections() []Key {
	p.mu.Lock()
	out := make([]Key, 0, len(p.conns))
	for k := range p.conns {
		out = append(out, k)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Room != out[j].Room {
			return out[i].Room < out[j].Room
		}
		return out[i].Peer < out[j].Peer
	})
	return out
}

// ShouldOffer tells which side of a pair starts negotiation: the smaller id.
func ShouldOffer(self, remote domain.UserID) bool { return self < remote }
