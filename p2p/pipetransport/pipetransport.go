// Package pipetransport is an in-process Transport for tests and
// single-process meshes: channels are direct calls against the remote
// node's block store, with the full offer/answer negotiation still
// exercised.
package pipetransport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	gocid "github.com/ipfs/go-cid"

	"github.com/mmalmi/hashtree/p2p"
	"github.com/mmalmi/hashtree/storage"
)

var errUnknownNode = errors.New("pipetransport: unknown node")
var errClosed = errors.New("pipetransport: channel closed")

// Hub links the transports of one process together.
type Hub struct {
	mu    sync.Mutex
	nodes map[string]*Transport
}

func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*Transport)}
}

func (h *Hub) lookup(id string) *Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nodes[id]
}

// Detach removes a node so further negotiations with it fail, which
// simulates an unreachable peer.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, id)
}

// Transport is one node's endpoint. The store is what this node serves
// to peers that connect to it.
type Transport struct {
	hub   *Hub
	id    string
	store storage.BlockStore
}

// New registers a node on the hub.
func New(hub *Hub, id string, store storage.BlockStore) *Transport {
	t := &Transport{hub: hub, id: id, store: store}
	hub.mu.Lock()
	hub.nodes[id] = t
	hub.mu.Unlock()
	return t
}

type payload struct {
	Node string `json:"node"`
}

func (t *Transport) Offer(ctx context.Context) ([]byte, p2p.Pending, error) {
	offer, err := json.Marshal(payload{Node: t.id})
	if err != nil {
		return nil, nil, err
	}
	return offer, &pending{hub: t.hub}, nil
}

func (t *Transport) Answer(ctx context.Context, offer []byte) ([]byte, p2p.Channel, error) {
	var pl payload
	if err := json.Unmarshal(offer, &pl); err != nil {
		return nil, nil, err
	}
	remote := t.hub.lookup(pl.Node)
	if remote == nil {
		return nil, nil, errUnknownNode
	}
	answer, err := json.Marshal(payload{Node: t.id})
	if err != nil {
		return nil, nil, err
	}
	return answer, &channel{remote: remote}, nil
}

type pending struct {
	hub *Hub
}

func (p *pending) Complete(answer []byte) (p2p.Channel, error) {
	var pl payload
	if err := json.Unmarshal(answer, &pl); err != nil {
		return nil, err
	}
	remote := p.hub.lookup(pl.Node)
	if remote == nil {
		return nil, errUnknownNode
	}
	return &channel{remote: remote}, nil
}

func (p *pending) AddCandidate([]byte) error { return nil }
func (p *pending) Close() error              { return nil }

type channel struct {
	mu     sync.Mutex
	closed bool
	remote *Transport
}

func (c *channel) SendRequest(ctx context.Context, hash gocid.Cid) ([]byte, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.remote.store.Get(hash)
}

func (c *channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
