// Package p2p connects nodes into a block-exchange mesh. Peers discover
// each other and negotiate transport channels over the relay; the
// resulting Store adapter slots into a storage fallback chain so block
// reads try peers before any HTTP mirror.
package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mmalmi/hashtree/relay"
)

// State tracks one peer through its lifecycle.
type State int

const (
	StateIdle State = iota
	StateHelloSent
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHelloSent:
		return "hello-sent"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const (
	helloTopic  = "p2p/hello"
	directTopic = "p2p/msg/"

	kindHello      = "hello"
	kindOffer      = "offer"
	kindAnswer     = "answer"
	kindCandidate  = "candidate"
	kindCandidates = "candidates"

	defaultConnectTimeout = 15 * time.Second
)

// envelope is the signaling message format. Bodies are opaque to the
// mesh; only the transport interprets them.
type envelope struct {
	Kind  string          `json:"kind"`
	From  string          `json:"from"`
	Owner string          `json:"owner,omitempty"`
	To    string          `json:"to,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

type peer struct {
	session string
	owner   string
	state   State
	pending Pending
	ch      Channel
	timer   *time.Timer
}

// Options tune a Manager.
type Options struct {
	// Owner is the printable owner key announced in hellos. Optional.
	Owner string

	// ConnectTimeout bounds each negotiation attempt.
	ConnectTimeout time.Duration
}

// Manager runs peer discovery and negotiation for one node.
type Manager struct {
	relay     relay.Relay
	transport Transport
	log       *logrus.Entry
	owner     string
	session   string
	connectTO time.Duration

	mu     sync.Mutex
	closed bool
	peers  map[string]*peer
	unsubs []relay.Unsubscribe
}

// NewManager creates a mesh node with a fresh random session id.
// Call Start to join the mesh.
func NewManager(r relay.Relay, t Transport, log *logrus.Entry, opts Options) (*Manager, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return nil, err
	}
	to := opts.ConnectTimeout
	if to <= 0 {
		to = defaultConnectTimeout
	}
	return &Manager{
		relay:     r,
		transport: t,
		log:       log,
		owner:     opts.Owner,
		session:   hex.EncodeToString(raw),
		connectTO: to,
		peers:     make(map[string]*peer),
	}, nil
}

// Session returns this node's session id.
func (m *Manager) Session() string { return m.session }

// Start subscribes to the signaling topics and announces this node.
func (m *Manager) Start() error {
	unsubHello, err := m.relay.Subscribe(helloTopic, m.onSignal)
	if err != nil {
		return err
	}
	unsubDirect, err := m.relay.Subscribe(directTopic+m.session, m.onSignal)
	if err != nil {
		unsubHello()
		return err
	}
	m.mu.Lock()
	m.unsubs = append(m.unsubs, unsubHello, unsubDirect)
	m.mu.Unlock()

	return m.send(helloTopic, envelope{Kind: kindHello, From: m.session, Owner: m.owner})
}

func (m *Manager) send(topic string, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.relay.Publish(topic, data)
}

func (m *Manager) sendTo(session string, env envelope) error {
	env.To = session
	return m.send(directTopic+session, env)
}

func (m *Manager) onSignal(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}
	if env.From == "" || env.From == m.session {
		return
	}
	switch env.Kind {
	case kindHello:
		m.onHello(env)
	case kindOffer:
		m.onOffer(env)
	case kindAnswer:
		m.onAnswer(env)
	case kindCandidate:
		m.onCandidate(env, false)
	case kindCandidates:
		m.onCandidate(env, true)
	}
}

// onHello learns of a peer. Exactly one side initiates: the one with
// the lexicographically smaller session id. The other replies with a
// direct hello so the initiator learns of it even if the broadcast was
// missed.
func (m *Manager) onHello(env envelope) {
	m.mu.Lock()
	if m.closed || m.peers[env.From] != nil {
		m.mu.Unlock()
		return
	}
	p := &peer{session: env.From, owner: env.Owner}
	m.peers[env.From] = p

	if m.session < env.From {
		m.startNegotiationLocked(p)
		m.mu.Unlock()
		return
	}
	p.state = StateHelloSent
	m.mu.Unlock()
	if err := m.sendTo(env.From, envelope{Kind: kindHello, From: m.session, Owner: m.owner}); err != nil {
		m.log.WithError(err).Debug("hello reply failed")
	}
}

// startNegotiationLocked runs the initiating side. Caller holds m.mu.
func (m *Manager) startNegotiationLocked(p *peer) {
	p.state = StateNegotiating
	session := p.session
	m.armConnectTimerLocked(p)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.connectTO)
		defer cancel()
		offer, pending, err := m.transport.Offer(ctx)
		if err != nil {
			m.failPeer(session, err)
			return
		}
		m.mu.Lock()
		if cur := m.peers[session]; cur != nil && cur.state == StateNegotiating {
			cur.pending = pending
			m.mu.Unlock()
		} else {
			m.mu.Unlock()
			_ = pending.Close()
			return
		}
		if err := m.sendTo(session, envelope{Kind: kindOffer, From: m.session, Owner: m.owner, Body: offer}); err != nil {
			m.failPeer(session, err)
		}
	}()
}

func (m *Manager) onOffer(env envelope) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	p := m.peers[env.From]
	if p == nil {
		p = &peer{session: env.From, owner: env.Owner}
		m.peers[env.From] = p
	}
	if p.state == StateConnected {
		m.mu.Unlock()
		return
	}
	p.state = StateNegotiating
	m.armConnectTimerLocked(p)
	session := env.From
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.connectTO)
		defer cancel()
		answer, ch, err := m.transport.Answer(ctx, env.Body)
		if err != nil {
			m.failPeer(session, err)
			return
		}
		if err := m.sendTo(session, envelope{Kind: kindAnswer, From: m.session, Owner: m.owner, Body: answer}); err != nil {
			_ = ch.Close()
			m.failPeer(session, err)
			return
		}
		m.connectPeer(session, ch)
	}()
}

func (m *Manager) onAnswer(env envelope) {
	m.mu.Lock()
	p := m.peers[env.From]
	if p == nil || p.pending == nil || p.state != StateNegotiating {
		m.mu.Unlock()
		return
	}
	pending := p.pending
	p.pending = nil
	m.mu.Unlock()

	ch, err := pending.Complete(env.Body)
	if err != nil {
		m.failPeer(env.From, err)
		return
	}
	m.connectPeer(env.From, ch)
}

func (m *Manager) onCandidate(env envelope, batch bool) {
	m.mu.Lock()
	p := m.peers[env.From]
	var pending Pending
	if p != nil {
		pending = p.pending
	}
	m.mu.Unlock()
	if pending == nil {
		return
	}
	if !batch {
		_ = pending.AddCandidate(env.Body)
		return
	}
	var cands []json.RawMessage
	if err := json.Unmarshal(env.Body, &cands); err != nil {
		return
	}
	for _, c := range cands {
		_ = pending.AddCandidate(c)
	}
}

func (m *Manager) connectPeer(session string, ch Channel) {
	m.mu.Lock()
	p := m.peers[session]
	if p == nil || m.closed {
		m.mu.Unlock()
		_ = ch.Close()
		return
	}
	p.ch = ch
	p.state = StateConnected
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	m.mu.Unlock()
	m.log.WithField("peer", session).Debug("peer connected")
}

// failPeer marks the peer failed and removes it from the pool so a
// later hello can start over.
func (m *Manager) failPeer(session string, err error) {
	m.mu.Lock()
	p := m.peers[session]
	if p == nil || p.state == StateConnected {
		m.mu.Unlock()
		return
	}
	p.state = StateFailed
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.pending != nil {
		_ = p.pending.Close()
	}
	delete(m.peers, session)
	m.mu.Unlock()
	m.log.WithError(err).WithField("peer", session).Debug("peer failed")
}

// armConnectTimerLocked bounds the negotiation attempt. Caller holds
// m.mu.
func (m *Manager) armConnectTimerLocked(p *peer) {
	if p.timer != nil {
		p.timer.Stop()
	}
	session := p.session
	p.timer = time.AfterFunc(m.connectTO, func() {
		m.failPeer(session, ErrConnectionFailed)
	})
}

// Channels snapshots the channels of all connected peers.
func (m *Manager) Channels() []Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Channel
	for _, p := range m.peers {
		if p.state == StateConnected && p.ch != nil {
			out = append(out, p.ch)
		}
	}
	return out
}

// PeerStates snapshots the pool by session id, mostly for diagnostics.
func (m *Manager) PeerStates() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.peers))
	for s, p := range m.peers {
		out[s] = p.state
	}
	return out
}

// ClosePeer disconnects one peer and cleans up its pool entry.
func (m *Manager) ClosePeer(session string) {
	m.mu.Lock()
	p := m.peers[session]
	if p == nil {
		m.mu.Unlock()
		return
	}
	delete(m.peers, session)
	p.state = StateDisconnected
	ch, pending, timer := p.ch, p.pending, p.timer
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if pending != nil {
		_ = pending.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}
}

// Close leaves the mesh and disconnects every peer.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	unsubs := m.unsubs
	m.unsubs = nil
	sessions := make([]string, 0, len(m.peers))
	for s := range m.peers {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, s := range sessions {
		m.ClosePeer(s)
	}
	return nil
}
