// Package memrelay provides an in-process relay for tests and
// single-node use.
package memrelay

import (
	"errors"
	"sync"

	"github.com/mmalmi/hashtree/relay"
)

var errClosed = errors.New("memrelay: closed")

// Relay is an in-memory pub-sub hub. Handlers run on the publisher's
// goroutine in subscription order.
type Relay struct {
	mu        sync.Mutex
	closed    bool
	nextID    int
	subs      map[string]map[int]relay.Handler
	reconnect map[int]func()
}

// New returns an empty in-memory relay.
func New() *Relay {
	return &Relay{
		subs:      make(map[string]map[int]relay.Handler),
		reconnect: make(map[int]func()),
	}
}

func (r *Relay) Publish(topic string, data []byte) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errClosed
	}
	var handlers []relay.Handler
	for _, fn := range r.subs[topic] {
		handlers = append(handlers, fn)
	}
	r.mu.Unlock()

	for _, fn := range handlers {
		fn(data)
	}
	return nil
}

func (r *Relay) Subscribe(topic string, fn relay.Handler) (relay.Unsubscribe, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errClosed
	}
	id := r.nextID
	r.nextID++
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[int]relay.Handler)
	}
	r.subs[topic][id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if m := r.subs[topic]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(r.subs, topic)
			}
		}
	}, nil
}

func (r *Relay) OnReconnect(fn func()) relay.Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.reconnect[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.reconnect, id)
	}
}

// DropAndReconnect simulates a transport disconnect followed by a
// recovery, firing every reconnect hook. Subscriptions are kept, as the
// Relay contract requires.
func (r *Relay) DropAndReconnect() {
	r.mu.Lock()
	var hooks []func()
	for _, fn := range r.reconnect {
		hooks = append(hooks, fn)
	}
	r.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errClosed
	}
	r.closed = true
	r.subs = make(map[string]map[int]relay.Handler)
	r.reconnect = make(map[int]func())
	return nil
}
