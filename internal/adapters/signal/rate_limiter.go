package signal

import (
	"sync"
	"time"

	"github.com/dkeye/QuizVoice/internal/domain"
)

// sweepEvery is how many Allow calls pass between drops of idle users.
const sweepEvery = 256

// ChatLimiter allows at most limit messages per user in any window of
// interval. Users idle for a whole window are forgotten.
type ChatLimiter struct {
	mu       sync.Mutex
	sent     map[domain.UserID][]time.Time
	calls    int
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewChatLimiter(limit int, interval time.Duration) *ChatLimiter {
	return &ChatLimiter{
		sent:     make(map[domain.UserID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (l *ChatLimiter) Allow(uid domain.UserID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.interval)
	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweep(cutoff)
	}

	recent := trim(l.sent[uid], cutoff)
	if len(recent) >= l.limit {
		l.sent[uid] = recent
		return false
	}
	l.sent[uid] = append(recent, now)
	return true
}

func (l *ChatLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *ChatLimiter) sweep(cutoff time.Time) {
	for uid, ts := range l.sent {
		if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
			delete(l.sent, uid)
		}
	}
}

// trim drops timestamps at or before cutoff; ts is sorted.
func trim(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}
