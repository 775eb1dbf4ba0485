// Package natsrelay adapts a NATS connection to the relay contract.
package natsrelay

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/mmalmi/hashtree/relay"
)

const subjectPrefix = "hashtree."

// Relay is a NATS-backed relay. Relay topics are arbitrary strings;
// they are encoded into NATS subjects so owner keys and tree names
// never collide with subject syntax.
type Relay struct {
	conn *nats.Conn
	log  *logrus.Entry

	mu     sync.Mutex
	nextID int
	hooks  map[int]func()
}

// Options tune the NATS connection.
type Options struct {
	// Name labels the connection on the server side.
	Name string

	// ReconnectWait is the delay between reconnect attempts; zero
	// keeps the nats.go default.
	ReconnectWait time.Duration
}

// New connects to the NATS server at url. The connection reconnects
// forever; each recovery fires the registered OnReconnect hooks.
func New(url string, log *logrus.Entry, opts Options) (*Relay, error) {
	r := &Relay{log: log, hooks: make(map[int]func())}

	natsOpts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("relay reconnected")
			r.fireReconnect()
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("relay disconnected")
			}
		}),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}
	if opts.ReconnectWait > 0 {
		natsOpts = append(natsOpts, nats.ReconnectWait(opts.ReconnectWait))
	}

	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, err
	}
	r.conn = conn
	return r, nil
}

// subject maps a relay topic onto a NATS subject. Topics may contain
// '.', spaces or wildcard characters, so the topic is base64-encoded
// under a fixed prefix.
func subject(topic string) string {
	return subjectPrefix + base64.RawURLEncoding.EncodeToString([]byte(topic))
}

func (r *Relay) Publish(topic string, data []byte) error {
	return r.conn.Publish(subject(topic), data)
}

func (r *Relay) Subscribe(topic string, fn relay.Handler) (relay.Unsubscribe, error) {
	sub, err := r.conn.Subscribe(subject(topic), func(m *nats.Msg) {
		fn(m.Data)
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			r.log.WithError(err).WithField("topic", topic).Debug("unsubscribe failed")
		}
	}, nil
}

func (r *Relay) OnReconnect(fn func()) relay.Unsubscribe {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.hooks[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.hooks, id)
	}
}

func (r *Relay) fireReconnect() {
	r.mu.Lock()
	var hooks []func()
	for _, fn := range r.hooks {
		hooks = append(hooks, fn)
	}
	r.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (r *Relay) Close() error {
	return r.conn.Drain()
}
