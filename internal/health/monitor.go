// Package health probes the media relay and decides when to fall back to
// direct peers. It only emits a Decision; what activation means is up to
// the subscriber.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/pubsub"
)

var ErrProbeTimeout = errors.New("probe timed out")

// Prober opens a throwaway relay session and closes it again.
type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

type Config struct {
	Interval   time.Duration
	Timeout    time.Duration
	MaxRetries int
}

// Decision is emitted once each time the monitor enters fallback.
type Decision struct {
	Activate bool
	Reason   string
	Status   domain.HealthStatus
}

type Monitor struct {
	prober Prober
	cfg    Config
	now    func() time.Time
	log    zerolog.Logger

	// probeMu keeps probe results applied in probe order.
	probeMu sync.Mutex

	mu     sync.Mutex
	status domain.HealthStatus
	cancel context.CancelFunc
	done   chan struct{}

	decisions pubsub.Topic[Decision]
	statuses  pubsub.Topic[domain.HealthStatus]
}

func NewMonitor(p Prober, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	return &Monitor{
		prober: p,
		cfg:    cfg,
		now:    time.Now,
		log:    log.With().Str("module", "health").Logger(),
		status: domain.NewHealthStatus(),
	}
}

func (m *Monitor) OnDecision(fn func(Decision)) (unsubscribe func()) {
	return m.decisions.Subscribe(fn)
}

func (m *Monitor) OnStatus(fn func(domain.HealthStatus)) (unsubscribe func()) {
	return m.statuses.Subscribe(fn)
}

func (m *Monitor) Status() domain.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Start probes every Interval until Stop or ctx ends. Starting twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ProbeNow(ctx)
			}
		}
	}()
	m.log.Info().Dur("interval", m.cfg.Interval).Int("max_retries", m.cfg.MaxRetries).Msg("monitor started")
}

// Stop cancels the probe timer and any probe in flight.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.log.Info().Msg("monitor stopped")
}

// ProbeNow runs one probe raced against Timeout and records its outcome. A
// probe abandoned because ctx ended records nothing.
func (m *Monitor) ProbeNow(ctx context.Context) domain.HealthStatus {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	start := m.now()
	// Buffered so a probe that loses the race can still finish and be dropped.
	res := make(chan error, 1)
	go func() { res <- m.prober.Probe(pctx) }()

	var err error
	select {
	case err = <-res:
	case <-pctx.Done():
		err = ErrProbeTimeout
	}
	if ctx.Err() != nil {
		return m.Status()
	}
	return m.record(start, err)
}

func (m *Monitor) record(start time.Time, err error) domain.HealthStatus {
	now := m.now()
	var decision *Decision

	m.mu.Lock()
	m.status.LastCheckedAt = now
	if err == nil {
		m.status.Healthy = true
		m.status.LatencyMs = now.Sub(start).Milliseconds()
		m.status.LastError = ""
		// While fallback is active the streak stays frozen until ResetFallback.
		if !m.status.FallbackActive {
			m.status.ConsecutiveFailures = 0
		}
	} else {
		m.status.Healthy = false
		m.status.LastError = err.Error()
		m.status.ConsecutiveFailures++
		if !m.status.FallbackActive && m.status.ConsecutiveFailures >= m.cfg.MaxRetries {
			m.status.FallbackActive = true
			decision = &Decision{Activate: true, Reason: err.Error(), Status: m.status}
		}
	}
	st := m.status
	m.mu.Unlock()

	if err != nil {
		m.log.Warn().Err(err).Int("failures", st.ConsecutiveFailures).Msg("probe failed")
	} else {
		m.log.Debug().Int64("latency_ms", st.LatencyMs).Msg("probe ok")
	}
	m.statuses.Publish(st)
	if decision != nil {
		m.log.Warn().Str("reason", decision.Reason).Msg("relay degraded, fallback decided")
		m.decisions.Publish(*decision)
	}
	return st
}

// ResetFallback clears the sticky flag and the failure streak. It changes
// nothing when neither is set.
func (m *Monitor) ResetFallback() {
	m.mu.Lock()
	if !m.status.FallbackActive && m.status.ConsecutiveFailures == 0 {
		m.mu.Unlock()
		return
	}
	m.status.FallbackActive = false
	m.status.ConsecutiveFailures = 0
	st := m.status
	m.mu.Unlock()
	m.log.Info().Msg("fallback reset")
	m.statuses.Publish(st)
}
