package store

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/QuizVoice/internal/pubsub"
)

type request struct {
	action Action
	query  func(*State)
}

// Store runs every action and selector on its own goroutine, in the order
// they were sent.
type Store struct {
	inbox  chan request
	notify chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	version atomic.Uint64
	changes pubsub.Topic[uint64]
}

func New(parent context.Context) *Store {
	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		inbox:  make(chan request, 256),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.loop()
	go s.notifier()
	return s
}

func (s *Store) loop() {
	defer close(s.done)
	st := newState()
	for {
		select {
		case <-s.ctx.Done():
			return
		case req := <-s.inbox:
			if req.query != nil {
				req.query(st)
				continue
			}
			if req.action.apply(st) {
				s.version.Add(1)
				select {
				case s.notify <- struct{}{}:
				default:
				}
			}
		}
	}
}

// notifier wakes subscribers once per burst of changes.
func (s *Store) notifier() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			s.changes.Publish(s.version.Load())
		}
	}
}

// Dispatch enqueues a. It is dropped once the store is closed.
func (s *Store) Dispatch(a Action) {
	select {
	case s.inbox <- request{action: a}:
	case <-s.done:
		log.Debug().Str("module", "store").Type("action", a).Msg("dispatch after close")
	}
}

// Subscribe calls fn with the state version after changes. Several changes
// in a row may be reported once; read the state with Select.
func (s *Store) Subscribe(fn func(version uint64)) (unsubscribe func()) {
	return s.changes.Subscribe(fn)
}

// Version returns the state version after every action sent before it.
func (s *Store) Version() uint64 {
	reply := make(chan uint64, 1)
	select {
	case s.inbox <- request{query: func(*State) { reply <- s.version.Load() }}:
	case <-s.done:
		return s.version.Load()
	}
	select {
	case v := <-reply:
		return v
	case <-s.done:
		return s.version.Load()
	}
}

// Select runs fn on the store goroutine after every action sent before it.
// fn must return a copy; the zero value is returned once the store is closed.
func Select[T any](s *Store, fn func(*State) T) T {
	reply := make(chan T, 1)
	req := request{query: func(st *State) { reply <- fn(st) }}
	select {
	case s.inbox <- req:
	case <-s.done:
		var zero T
		return zero
	}
	select {
	case v := <-reply:
		return v
	case <-s.done:
		var zero T
		return zero
	}
}

// Snapshot returns a deep copy of the whole state.
func (s *Store) Snapshot() State {
	return Select(s, func(st *State) State { return st.clone() })
}

func (s *Store) Close() {
	s.cancel()
	<-s.done
}
