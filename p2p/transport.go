package p2p

import (
	"context"
	"errors"

	gocid "github.com/ipfs/go-cid"
)

var (
	// ErrPeerTimeout means a connected peer did not answer a block
	// request within the bound.
	ErrPeerTimeout = errors.New("p2p: peer request timed out")

	// ErrConnectionFailed means negotiation with a peer did not
	// produce a channel.
	ErrConnectionFailed = errors.New("p2p: connection failed")
)

// Channel is an established point-to-point link to one peer.
type Channel interface {
	// SendRequest asks the remote peer for the block named by hash and
	// returns its bytes. Respects ctx cancellation.
	SendRequest(ctx context.Context, hash gocid.Cid) ([]byte, error)
	Close() error
}

// Pending is an initiated negotiation waiting for the remote answer.
type Pending interface {
	// Complete consumes the remote answer payload and yields the
	// channel.
	Complete(answer []byte) (Channel, error)
	// AddCandidate feeds a remote transport candidate gathered after
	// the offer/answer exchange. Transports without candidates ignore
	// it.
	AddCandidate(candidate []byte) error
	Close() error
}

// Transport negotiates channels through an offer/answer exchange; the
// payloads are opaque to the signaling layer.
type Transport interface {
	// Offer starts a negotiation as the initiating side.
	Offer(ctx context.Context) (offer []byte, pending Pending, err error)
	// Answer responds to a remote offer as the accepting side.
	Answer(ctx context.Context, offer []byte) (answer []byte, ch Channel, err error)
}
