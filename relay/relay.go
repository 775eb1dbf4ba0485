// Package relay defines the pub-sub transport contract the registry and
// peer signaling run over. Implementations deliver opaque byte payloads
// per topic; ordering across topics is not guaranteed.
package relay

// Handler receives a message published to a subscribed topic.
type Handler func(data []byte)

// Unsubscribe tears down a subscription or reconnect hook. Safe to call
// more than once.
type Unsubscribe func()

// Relay is a minimal pub-sub transport.
//
// Contract:
//   - Publish delivers data to current subscribers of topic, best
//     effort; it never blocks on slow handlers.
//   - Subscribe registers fn for topic and returns an Unsubscribe.
//     Multiple subscribers per topic are independent.
//   - OnReconnect registers fn to run after the transport recovers
//     from a disconnect. Subscriptions survive reconnects; the hook
//     exists so clients can re-request state they may have missed.
//   - Close releases the transport. Further calls fail or no-op.
type Relay interface {
	Publish(topic string, data []byte) error
	Subscribe(topic string, fn Handler) (Unsubscribe, error)
	OnReconnect(fn func()) Unsubscribe
	Close() error
}
