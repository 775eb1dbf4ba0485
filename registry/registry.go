// Package registry resolves (owner, tree name) pairs to their latest
// published root over a pub-sub relay. The registry is the single
// writable owner of its records; every snapshot handed to callers is a
// copy. Conflicts resolve by strictly newer UpdatedAt, so retried or
// reordered deliveries never regress state.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmalmi/hashtree/cid"
	"github.com/mmalmi/hashtree/keys"
	"github.com/mmalmi/hashtree/relay"
)

// ErrResolutionTimeout means no record arrived within the caller's
// bound and nothing was cached.
var ErrResolutionTimeout = errors.New("registry: resolution timed out")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("registry: closed")

const (
	defaultRetryDelay = 2 * time.Second

	// A resolver that already holds a hash only needs the record for
	// freshness, so it gives up quickly. One with no hash at all
	// depends on a third party publishing and retries longer.
	defaultRetryWithHash = 3
	defaultRetryNoHash   = 10
)

// Options tune a Registry.
type Options struct {
	// RetryDelay is the fixed delay between re-announce requests for
	// keys with no record yet.
	RetryDelay time.Duration

	// RetryWithHash bounds retry attempts once a record (and so a
	// hash) is cached; RetryNoHash bounds them before the first
	// record arrives.
	RetryWithHash int
	RetryNoHash   int

	// Clock returns the current time in unix milliseconds. Tests
	// inject a fake; nil uses the wall clock.
	Clock func() int64
}

type listener struct {
	fn func(Record)
	// delivered is the UpdatedAt of the newest record this listener
	// has seen, so the async cache replay never regresses a listener
	// that already saw a fresher network event.
	delivered int64
}

type entry struct {
	key       Key
	record    *Record
	listeners map[int]*listener
	unsub     relay.Unsubscribe
	timer     *time.Timer
	attempts  int
}

// Registry caches and distributes root records. Construct with New and
// release with Close.
type Registry struct {
	relay relay.Relay
	log   *logrus.Entry
	opts  Options
	clock func() int64

	mu          sync.Mutex
	closed      bool
	nextID      int
	entries     map[Key]*entry
	serving     map[Key]relay.Unsubscribe
	reconnUnsub relay.Unsubscribe
}

// New wires a registry to r. The relay's reconnect signal re-arms
// retries for every live subscription.
func New(r relay.Relay, log *logrus.Entry, opts Options) *Registry {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.RetryWithHash <= 0 {
		opts.RetryWithHash = defaultRetryWithHash
	}
	if opts.RetryNoHash <= 0 {
		opts.RetryNoHash = defaultRetryNoHash
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() int64 { return time.Now().UnixMilli() }
	}
	reg := &Registry{
		relay:   r,
		log:     log,
		opts:    opts,
		clock:   clock,
		entries: make(map[Key]*entry),
		serving: make(map[Key]relay.Unsubscribe),
	}
	reg.reconnUnsub = r.OnReconnect(reg.onReconnect)
	return reg
}

// Subscribe registers fn for updates to key. The last known record, if
// any, is replayed asynchronously before fn sees newer network events.
// The relay subscription is refcounted: it tears down on the last
// unsubscribe, but the cached record is retained.
func (r *Registry) Subscribe(key Key, fn func(Record)) relay.Unsubscribe {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return func() {}
	}

	e := r.entries[key]
	if e == nil {
		e = &entry{key: key, listeners: make(map[int]*listener)}
		r.entries[key] = e
	}
	id := r.nextID
	r.nextID++
	l := &listener{fn: fn}
	e.listeners[id] = l

	if e.unsub == nil {
		unsub, err := r.relay.Subscribe(key.topic(), func(data []byte) {
			r.onRemote(key, data)
		})
		if err != nil {
			r.log.WithError(err).WithField("key", key.String()).Warn("relay subscribe failed")
		} else {
			e.unsub = unsub
		}
		r.armRetryLocked(e)
	}

	var cached *Record
	if e.record != nil {
		c := *e.record
		cached = &c
	}
	r.mu.Unlock()

	if cached != nil {
		go r.replay(key, id, *cached)
	}

	return func() { r.unsubscribe(key, id) }
}

// replay delivers the cached record to one listener unless it already
// saw something at least as new.
func (r *Registry) replay(key Key, id int, rec Record) {
	r.mu.Lock()
	e := r.entries[key]
	if e == nil {
		r.mu.Unlock()
		return
	}
	l := e.listeners[id]
	if l == nil || l.delivered >= rec.UpdatedAt {
		r.mu.Unlock()
		return
	}
	l.delivered = rec.UpdatedAt
	fn := l.fn
	r.mu.Unlock()
	fn(rec)
}

func (r *Registry) unsubscribe(key Key, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	if e == nil {
		return
	}
	delete(e.listeners, id)
	if len(e.listeners) > 0 {
		return
	}
	// Last listener gone: drop the relay subscription and retry timer
	// but keep the cached record for future subscribers.
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	r.stopRetryLocked(e)
}

// onRemote applies a record arriving from the relay.
func (r *Registry) onRemote(key Key, data []byte) {
	rec, err := decodeRecord(data)
	if err != nil {
		return
	}
	r.apply(key, rec)
}

// apply installs rec if it is strictly newer than the cached record,
// then notifies listeners. Ties and older records are dropped silently.
func (r *Registry) apply(key Key, rec Record) {
	r.mu.Lock()
	e := r.entries[key]
	if e == nil {
		e = &entry{key: key, listeners: make(map[int]*listener)}
		r.entries[key] = e
	}
	if e.record != nil && rec.UpdatedAt <= e.record.UpdatedAt {
		r.mu.Unlock()
		return
	}
	c := rec
	e.record = &c
	r.stopRetryLocked(e)

	type deliver struct {
		fn  func(Record)
		rec Record
	}
	var pending []deliver
	for _, l := range e.listeners {
		if l.delivered >= rec.UpdatedAt {
			continue
		}
		l.delivered = rec.UpdatedAt
		pending = append(pending, deliver{l.fn, rec})
	}
	r.mu.Unlock()

	for _, d := range pending {
		d.fn(d.rec)
	}
}

// PublishOptions select the key-wrapping tier for a published root.
type PublishOptions struct {
	Visibility keys.Visibility
	// Identity wraps non-public keys; required for link-visible and
	// private tiers.
	Identity *keys.Identity
}

// Publish seals the root's content key per opts, updates the local
// cache optimistically and announces the record on the relay. The
// local write wins over its own not-yet-arrived relay echo because the
// echo carries an equal (not newer) UpdatedAt. For link-visible roots
// the generated shareable link key is returned.
func (r *Registry) Publish(key Key, root cid.ID, opts PublishOptions) (Record, []byte, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Record{}, nil, ErrClosed
	}
	r.mu.Unlock()

	vis := opts.Visibility
	if vis == "" {
		vis = keys.Public
	}
	rec := Record{
		Hash:       root.Hash.String(),
		Visibility: vis,
		UpdatedAt:  r.clock(),
	}
	var linkKey []byte
	if root.Key != nil {
		sealed, lk, err := keys.Seal(root.Key, vis, opts.Identity)
		if err != nil {
			return Record{}, nil, err
		}
		rec.Key = sealed.Key
		rec.EncryptedKey = sealed.EncryptedKey
		rec.KeyID = sealed.KeyID
		rec.SelfEncryptedKey = sealed.SelfEncryptedKey
		rec.SelfEncryptedLinkKey = sealed.SelfEncryptedLinkKey
		linkKey = lk
	}

	r.apply(key, rec)
	r.serve(key)

	data, err := encodeRecord(rec)
	if err != nil {
		return Record{}, nil, err
	}
	if err := r.relay.Publish(key.topic(), data); err != nil {
		return Record{}, nil, err
	}
	return rec, linkKey, nil
}

// serve answers re-announce requests for keys this registry has
// published, so late resolvers converge without a central store.
func (r *Registry) serve(key Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.serving[key] != nil {
		return
	}
	unsub, err := r.relay.Subscribe(key.reqTopic(), func([]byte) {
		r.mu.Lock()
		e := r.entries[key]
		var rec *Record
		if e != nil && e.record != nil {
			c := *e.record
			rec = &c
		}
		r.mu.Unlock()
		if rec == nil {
			return
		}
		if data, err := encodeRecord(*rec); err == nil {
			_ = r.relay.Publish(key.topic(), data)
		}
	})
	if err != nil {
		r.log.WithError(err).WithField("key", key.String()).Debug("serve subscribe failed")
		return
	}
	r.serving[key] = unsub
}

// armRetryLocked schedules the single-shot re-announce request timer
// for e. The bound depends on whether a hash is already cached. Caller
// holds r.mu.
func (r *Registry) armRetryLocked(e *entry) {
	r.stopRetryLocked(e)
	e.attempts = 0
	r.scheduleLocked(e)
}

func (r *Registry) scheduleLocked(e *entry) {
	key := e.key
	e.timer = time.AfterFunc(r.opts.RetryDelay, func() { r.retryFire(key) })
}

func (r *Registry) retryFire(key Key) {
	r.mu.Lock()
	e := r.entries[key]
	if e == nil || r.closed || e.unsub == nil {
		r.mu.Unlock()
		return
	}
	bound := r.opts.RetryNoHash
	if e.record != nil {
		bound = r.opts.RetryWithHash
	}
	e.attempts++
	if e.attempts > bound {
		e.timer = nil
		r.mu.Unlock()
		return
	}
	r.scheduleLocked(e)
	r.mu.Unlock()

	_ = r.relay.Publish(key.reqTopic(), nil)
}

func (r *Registry) stopRetryLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// onReconnect re-arms retries for every live subscription: records may
// have been published while the relay was down. Entries whose initial
// relay subscription failed are re-subscribed here so a key with live
// listeners never stays deaf past the next reconnect.
func (r *Registry) onReconnect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, e := range r.entries {
		if e.unsub == nil && len(e.listeners) > 0 {
			key := e.key
			unsub, err := r.relay.Subscribe(key.topic(), func(data []byte) {
				r.onRemote(key, data)
			})
			if err != nil {
				r.log.WithError(err).WithField("key", key.String()).Warn("relay resubscribe failed")
			} else {
				e.unsub = unsub
			}
		}
		if e.unsub != nil {
			r.armRetryLocked(e)
		}
	}
}

// Record returns a copy of the cached record for key.
func (r *Registry) Record(key Key) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	if e == nil || e.record == nil {
		return Record{}, false
	}
	return *e.record, true
}

// Resolve returns the current record for key, or the first one to
// arrive within timeout. On timeout a cached (possibly stale) record is
// still returned if one exists; otherwise ErrResolutionTimeout.
func (r *Registry) Resolve(key Key, timeout time.Duration) (Record, error) {
	ch := make(chan Record, 1)
	unsub := r.Subscribe(key, func(rec Record) {
		select {
		case ch <- rec:
		default:
		}
	})
	defer unsub()

	select {
	case rec := <-ch:
		return rec, nil
	case <-time.After(timeout):
		if rec, ok := r.Record(key); ok {
			return rec, nil
		}
		return Record{}, ErrResolutionTimeout
	}
}

// ResolveRef resolves a reference string. Permalinks are
// self-describing and bypass the registry entirely; anything else is
// treated as "owner/name" and resolved through Resolve.
func (r *Registry) ResolveRef(ref string, timeout time.Duration) (cid.ID, error) {
	if cid.IsPermalink(ref) {
		return cid.Parse(ref)
	}
	key, err := ParseRef(ref)
	if err != nil {
		return cid.ID{}, err
	}
	rec, err := r.Resolve(key, timeout)
	if err != nil {
		return cid.ID{}, err
	}
	return rec.ID(nil, nil)
}

// ParseRef splits an "owner/name" reference. The owner segment is the
// printable owner key, which never contains '/'.
func ParseRef(ref string) (Key, error) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '/' {
			if i == 0 || i == len(ref)-1 {
				break
			}
			return Key{Owner: ref[:i], Name: ref[i+1:]}, nil
		}
	}
	return Key{}, errors.New("registry: reference must be <owner>/<name> or a permalink")
}

// Close tears down every subscription and timer. Cached records are
// discarded with the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	if r.reconnUnsub != nil {
		r.reconnUnsub()
	}
	for _, e := range r.entries {
		if e.unsub != nil {
			e.unsub()
			e.unsub = nil
		}
		r.stopRetryLocked(e)
	}
	for _, unsub := range r.serving {
		unsub()
	}
	r.serving = make(map[Key]relay.Unsubscribe)
	return nil
}
