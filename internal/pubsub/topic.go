// Package pubsub is a tiny typed observer list. Handlers run synchronously on
// the publisher's goroutine, in subscription order, so a publisher that emits
// from one goroutine keeps its event order across every subscriber.
package pubsub

import "sync"

type Topic[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(T)
	order    []uint64
}

// Subscribe adds fn and returns a function that removes it. Calling the
// returned function more than once is a no-op.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers == nil {
		t.handlers = make(map[uint64]func(T))
	}
	t.nextID++
	id := t.nextID
	t.handlers[id] = fn
	t.order = append(t.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *Topic[T]) Publish(v T) {
	t.mu.RLock()
	fns := make([]func(T), 0, len(t.order))
	for _, id := range t.order {
		fns = append(fns, t.handlers[id])
	}
	t.mu.RUnlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}
