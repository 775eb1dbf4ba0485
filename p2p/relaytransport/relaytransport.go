// Package relaytransport tunnels block-exchange channels over the
// relay itself. Each negotiated channel gets a private topic pair per
// direction; both sides serve their local store on their inbound lane.
// It is the default transport when no direct path is available.
package relaytransport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"

	gocid "github.com/ipfs/go-cid"

	"github.com/mmalmi/hashtree/p2p"
	"github.com/mmalmi/hashtree/relay"
	"github.com/mmalmi/hashtree/storage"
)

const topicPrefix = "p2p/chan/"

var errBadPayload = errors.New("relaytransport: malformed negotiation payload")

// Transport negotiates relay-tunneled channels. The store is what this
// node serves to its peers.
type Transport struct {
	relay relay.Relay
	store storage.BlockStore
}

func New(r relay.Relay, store storage.BlockStore) *Transport {
	return &Transport{relay: r, store: store}
}

type negotiation struct {
	Channel string `json:"channel"`
}

type request struct {
	ID   string `json:"id"`
	Hash string `json:"hash"`
}

type response struct {
	ID   string `json:"id"`
	OK   bool   `json:"ok"`
	Data []byte `json:"data,omitempty"`
}

// Offer allocates a channel id and starts serving the offerer's lane.
// The answering side serves the opposite lane, so each side requests on
// the other's serving topic.
func (t *Transport) Offer(ctx context.Context) ([]byte, p2p.Pending, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return nil, nil, err
	}
	id := hex.EncodeToString(raw)

	serveUnsub, err := t.serve(topicPrefix+id+"/req-b", topicPrefix+id+"/res-b")
	if err != nil {
		return nil, nil, err
	}
	offer, err := json.Marshal(negotiation{Channel: id})
	if err != nil {
		serveUnsub()
		return nil, nil, err
	}
	return offer, &pending{t: t, id: id, serveUnsub: serveUnsub}, nil
}

// Answer starts serving the answerer's lane and opens the channel that
// requests against the offering side.
func (t *Transport) Answer(ctx context.Context, offer []byte) ([]byte, p2p.Channel, error) {
	var neg negotiation
	if err := json.Unmarshal(offer, &neg); err != nil || neg.Channel == "" {
		return nil, nil, errBadPayload
	}
	id := neg.Channel

	serveUnsub, err := t.serve(topicPrefix+id+"/req-a", topicPrefix+id+"/res-a")
	if err != nil {
		return nil, nil, err
	}
	ch, err := t.openChannel(topicPrefix+id+"/req-b", topicPrefix+id+"/res-b", serveUnsub)
	if err != nil {
		serveUnsub()
		return nil, nil, err
	}
	answer, err := json.Marshal(negotiation{Channel: id})
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return answer, ch, nil
}

// serve answers block requests on reqTopic from the local store.
func (t *Transport) serve(reqTopic, resTopic string) (relay.Unsubscribe, error) {
	return t.relay.Subscribe(reqTopic, func(data []byte) {
		var req request
		if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
			return
		}
		res := response{ID: req.ID}
		if hash, err := gocid.Decode(req.Hash); err == nil {
			if block, err := t.store.Get(hash); err == nil {
				res.OK = true
				res.Data = block
			}
		}
		if out, err := json.Marshal(res); err == nil {
			_ = t.relay.Publish(resTopic, out)
		}
	})
}

// openChannel builds the requesting end over a topic pair.
func (t *Transport) openChannel(reqTopic, resTopic string, serveUnsub relay.Unsubscribe) (*channel, error) {
	ch := &channel{
		relay:      t.relay,
		reqTopic:   reqTopic,
		serveUnsub: serveUnsub,
		waiters:    make(map[string]chan response),
	}
	unsub, err := t.relay.Subscribe(resTopic, ch.onResponse)
	if err != nil {
		return nil, err
	}
	ch.resUnsub = unsub
	return ch, nil
}

type pending struct {
	t          *Transport
	id         string
	serveUnsub relay.Unsubscribe
	done       bool
}

func (p *pending) Complete(answer []byte) (p2p.Channel, error) {
	var neg negotiation
	if err := json.Unmarshal(answer, &neg); err != nil || neg.Channel != p.id {
		return nil, errBadPayload
	}
	ch, err := p.t.openChannel(topicPrefix+p.id+"/req-a", topicPrefix+p.id+"/res-a", p.serveUnsub)
	if err != nil {
		return nil, err
	}
	p.done = true
	return ch, nil
}

func (p *pending) AddCandidate([]byte) error { return nil }

func (p *pending) Close() error {
	if !p.done && p.serveUnsub != nil {
		p.serveUnsub()
	}
	return nil
}

type channel struct {
	relay      relay.Relay
	reqTopic   string
	serveUnsub relay.Unsubscribe
	resUnsub   relay.Unsubscribe

	mu      sync.Mutex
	closed  bool
	nextID  int
	waiters map[string]chan response
}

func (c *channel) onResponse(data []byte) {
	var res response
	if err := json.Unmarshal(data, &res); err != nil {
		return
	}
	c.mu.Lock()
	w := c.waiters[res.ID]
	delete(c.waiters, res.ID)
	c.mu.Unlock()
	if w != nil {
		w <- res
	}
}

func (c *channel) SendRequest(ctx context.Context, hash gocid.Cid) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("relaytransport: channel closed")
	}
	c.nextID++
	id := hex.EncodeToString([]byte{byte(c.nextID >> 8), byte(c.nextID)}) + hash.String()
	w := make(chan response, 1)
	c.waiters[id] = w
	c.mu.Unlock()

	req, err := json.Marshal(request{ID: id, Hash: hash.String()})
	if err != nil {
		return nil, err
	}
	if err := c.relay.Publish(c.reqTopic, req); err != nil {
		c.dropWaiter(id)
		return nil, err
	}

	select {
	case res := <-w:
		if !res.OK {
			return nil, storage.ErrNotFound
		}
		return res.Data, nil
	case <-ctx.Done():
		c.dropWaiter(id)
		return nil, p2p.ErrPeerTimeout
	}
}

func (c *channel) dropWaiter(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.resUnsub != nil {
		c.resUnsub()
	}
	if c.serveUnsub != nil {
		c.serveUnsub()
	}
	return nil
}
