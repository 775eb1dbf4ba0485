package memrelay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	r := New()
	defer r.Close()

	var got [][]byte
	unsub, err := r.Subscribe("roots/alice", func(data []byte) {
		got = append(got, data)
	})
	require.NoError(t, err)

	require.NoError(t, r.Publish("roots/alice", []byte("one")))
	require.NoError(t, r.Publish("roots/other", []byte("ignored")))
	require.Len(t, got, 1)
	require.Equal(t, "one", string(got[0]))

	unsub()
	require.NoError(t, r.Publish("roots/alice", []byte("two")))
	require.Len(t, got, 1, "unsubscribed handler must not fire")
	unsub() // second call is a no-op
}

func TestMultipleSubscribers(t *testing.T) {
	r := New()
	defer r.Close()

	var a, b int
	_, err := r.Subscribe("t", func([]byte) { a++ })
	require.NoError(t, err)
	unsubB, err := r.Subscribe("t", func([]byte) { b++ })
	require.NoError(t, err)

	require.NoError(t, r.Publish("t", nil))
	require.Equal(t, 1, a)
	require.Equal(t, 1, b)

	unsubB()
	require.NoError(t, r.Publish("t", nil))
	require.Equal(t, 2, a)
	require.Equal(t, 1, b)
}

func TestDropAndReconnect(t *testing.T) {
	r := New()
	defer r.Close()

	var fired int
	unsub := r.OnReconnect(func() { fired++ })

	r.DropAndReconnect()
	require.Equal(t, 1, fired)

	// Subscriptions survive the drop.
	var got int
	_, err := r.Subscribe("t", func([]byte) { got++ })
	require.NoError(t, err)
	r.DropAndReconnect()
	require.NoError(t, r.Publish("t", nil))
	require.Equal(t, 1, got)
	require.Equal(t, 2, fired)

	unsub()
	r.DropAndReconnect()
	require.Equal(t, 2, fired)
}

func TestClose(t *testing.T) {
	r := New()
	require.NoError(t, r.Close())
	require.Error(t, r.Close())
	require.Error(t, r.Publish("t", nil))
	_, err := r.Subscribe("t", func([]byte) {})
	require.Error(t, err)
}
