package core

import (
	"sync"

	"github.com/dkeye/QuizVoice/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	meta *domain.User

	mu     sync.RWMutex
	signal SignalConnection
	media  MediaConnection
}

func NewMemberSession(meta *domain.User) MemberSession {
	return &memberSession{meta: meta}
}

func (m *memberSession) Meta() *domain.User { return m.meta }

func (m *memberSession) Signal() SignalConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signal
}

func (m *memberSession) Media() MediaConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.media
}

func (m *memberSession) UpdateSignal(c SignalConnection) MemberSession {
	m.mu.Lock()
	m.signal = c
	m.mu.Unlock()
	return m
}

func (m *memberSession) UpdateMedia(c MediaConnection) MemberSession {
	m.mu.Lock()
	m.media = c
	m.mu.Unlock()
	return m
}
