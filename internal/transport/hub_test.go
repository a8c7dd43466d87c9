package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"intercomswap/internal/crypto"
	"intercomswap/internal/metrics"
	"intercomswap/internal/proto"
)

func signedFrame(t *testing.T, kp *crypto.Keypair, channel, msg string) proto.SCFrame {
	t.Helper()
	f, err := proto.NewSCFrame(channel, kp.PubHex(), json.RawMessage(msg), time.Now())
	require.NoError(t, err)
	require.NoError(t, f.Sign(kp))
	return f
}

func recv(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "events closed")
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Delivery{}
}

func assertNone(t *testing.T, ch <-chan Delivery) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected delivery on %s", d.Frame.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubDeliversToJoinedEndpoints(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, err := hub.Endpoint("a", nil)
	require.NoError(t, err)
	b, err := hub.Endpoint("b", nil)
	require.NoError(t, err)
	c, err := hub.Endpoint("c", nil)
	require.NoError(t, err)
	for _, ep := range []*HubEndpoint{a, b, c} {
		require.NoError(t, ep.Start(ctx))
	}
	require.NoError(t, b.Join(ctx, "0000intercomswap"))
	require.NoError(t, a.Join(ctx, "0000intercomswap"))

	kp, err := crypto.GenKeypair()
	require.NoError(t, err)
	f := signedFrame(t, kp, "0000intercomswap", `{"hello":1}`)
	require.NoError(t, a.Send(ctx, f))

	d := recv(t, b.Events())
	assert.Equal(t, "a", d.Peer)
	assert.Equal(t, f.ID, d.Frame.ID)
	assertNone(t, a.Events())
	assertNone(t, c.Events())

	st := b.Stats()
	assert.True(t, st.Started)
	assert.Equal(t, 2, st.Connections)
	assert.Equal(t, []string{"0000intercomswap"}, st.Channels)
}

func TestHubLeaveStopsDelivery(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	a, _ := hub.Endpoint("a", nil)
	b, _ := hub.Endpoint("b", nil)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Subscribe(ctx, []string{"x", "y"}))
	require.NoError(t, b.Leave(ctx, "x"))

	kp, _ := crypto.GenKeypair()
	require.NoError(t, a.Send(ctx, signedFrame(t, kp, "x", `{}`)))
	assertNone(t, b.Events())
	require.NoError(t, a.Send(ctx, signedFrame(t, kp, "y", `{}`)))
	assert.Equal(t, "y", recv(t, b.Events()).Frame.Channel)
}

func TestHubSendRequiresStart(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Endpoint("a", nil)
	kp, _ := crypto.GenKeypair()
	err := a.Send(context.Background(), signedFrame(t, kp, "x", `{}`))
	require.ErrorIs(t, err, ErrNotStarted)

	_, err = hub.Endpoint("a", nil)
	require.Error(t, err)
}

func TestHubFullQueueDropsAndCounts(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	m := metrics.New()
	a, _ := hub.Endpoint("a", nil)
	b, _ := hub.Endpoint("b", m)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Join(ctx, "x"))

	kp, _ := crypto.GenKeypair()
	f := signedFrame(t, kp, "x", `{}`)
	for i := 0; i < defaultEventBuffer+3; i++ {
		require.NoError(t, a.Send(ctx, f))
	}
	assert.Equal(t, uint64(3), m.Snapshot().DropByReason["backpressure"])
}

func TestHubCloseClosesEvents(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Endpoint("a", nil)
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	_, ok := <-a.Events()
	assert.False(t, ok)
	require.ErrorIs(t, a.Start(context.Background()), ErrClosed)

	// the name is free again
	_, err := hub.Endpoint("a", nil)
	require.NoError(t, err)
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(2)
	assert.True(t, s.add("a"))
	assert.False(t, s.add("a"))
	assert.True(t, s.add("b"))
	assert.True(t, s.add("c"))
	assert.True(t, s.add("a"), "a should have been evicted")
	assert.False(t, s.add("c"))
}
