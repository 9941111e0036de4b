package inproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/tubes-go/contracts"
	"github.com/glimte/tubes-go/transport"
)

func frames(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

func recvWithin(t *testing.T, ep transport.Endpoint) transport.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := ep.Recv(ctx)
	require.NoError(t, err)
	return d
}

func TestProvider(t *testing.T) {
	t.Run("one server per address", func(t *testing.T) {
		p := NewProvider()
		defer p.Close()
		_, err := p.NewEndpoint(transport.Config{Name: "a", Addr: "x", Pattern: transport.Rep, Role: transport.Server})
		require.NoError(t, err)
		_, err = p.NewEndpoint(transport.Config{Name: "b", Addr: "x", Pattern: transport.Rep, Role: transport.Server})
		assert.ErrorContains(t, err, "already bound")
	})

	t.Run("an address is required", func(t *testing.T) {
		p := NewProvider()
		defer p.Close()
		_, err := p.NewEndpoint(transport.Config{Name: "a", Pattern: transport.Pub, Role: transport.Server})
		assert.Error(t, err)
	})

	t.Run("closed providers refuse new endpoints", func(t *testing.T) {
		p := NewProvider()
		require.NoError(t, p.Close())
		_, err := p.NewEndpoint(transport.Config{Name: "a", Addr: "x", Pattern: transport.Pub, Role: transport.Server})
		assert.ErrorIs(t, err, contracts.ErrEndpointClosed)
	})
}

func TestPubSub(t *testing.T) {
	p := NewProvider()
	defer p.Close()
	pub, err := p.NewEndpoint(transport.Config{Name: "pub", Addr: "feed", Pattern: transport.Pub, Role: transport.Server})
	require.NoError(t, err)
	subA, err := p.NewEndpoint(transport.Config{Name: "subA", Addr: "feed", Pattern: transport.Sub, Role: transport.Client})
	require.NoError(t, err)
	subB, err := p.NewEndpoint(transport.Config{Name: "subB", Addr: "feed", Pattern: transport.Sub, Role: transport.Client})
	require.NoError(t, err)

	require.NoError(t, pub.Send(context.Background(), frames("status/lamp", "on"), nil))

	for _, sub := range []transport.Endpoint{subA, subB} {
		d := recvWithin(t, sub)
		assert.Equal(t, frames("status/lamp", "on"), d.Frames)
		assert.Nil(t, d.Peer)
	}

	t.Run("subscribers cannot send", func(t *testing.T) {
		err := subA.Send(context.Background(), frames("status/lamp", "off"), nil)
		assert.ErrorIs(t, err, contracts.ErrUnsupportedOperation)
	})
}

func TestReqRep(t *testing.T) {
	p := NewProvider()
	defer p.Close()
	rep, err := p.NewEndpoint(transport.Config{Name: "rep", Addr: "svc", Pattern: transport.Rep, Role: transport.Server})
	require.NoError(t, err)
	req, err := p.NewEndpoint(transport.Config{Name: "req", Addr: "svc", Pattern: transport.Req, Role: transport.Client})
	require.NoError(t, err)

	t.Run("reply goes back to the last requester", func(t *testing.T) {
		require.NoError(t, req.Send(context.Background(), frames("req/a", "id-1", "q"), nil))
		d := recvWithin(t, rep)
		assert.Equal(t, frames("req/a", "id-1", "q"), d.Frames)
		assert.Nil(t, d.Peer)

		require.NoError(t, rep.Send(context.Background(), frames("req/a", "id-1", "a"), nil))
		back := recvWithin(t, req)
		assert.Equal(t, frames("req/a", "id-1", "a"), back.Frames)
	})

	t.Run("reply without a pending request fails", func(t *testing.T) {
		lone, err := p.NewEndpoint(transport.Config{Name: "lone", Addr: "svc2", Pattern: transport.Rep, Role: transport.Server})
		require.NoError(t, err)
		err = lone.Send(context.Background(), frames("req/a", "id-1", "a"), nil)
		assert.ErrorContains(t, err, "no pending request")
	})
}

func TestRouterDealer(t *testing.T) {
	p := NewProvider()
	defer p.Close()
	router, err := p.NewEndpoint(transport.Config{Name: "router", Addr: "svc", Pattern: transport.Router, Role: transport.Server})
	require.NoError(t, err)
	dealerA, err := p.NewEndpoint(transport.Config{Name: "dealerA", Addr: "svc", Pattern: transport.Dealer, Role: transport.Client})
	require.NoError(t, err)
	dealerB, err := p.NewEndpoint(transport.Config{Name: "dealerB", Addr: "svc", Pattern: transport.Dealer, Role: transport.Client})
	require.NoError(t, err)

	require.NoError(t, dealerA.Send(context.Background(), frames("req/a", "id-1", "from A"), nil))
	require.NoError(t, dealerB.Send(context.Background(), frames("req/b", "id-2", "from B"), nil))

	first := recvWithin(t, router)
	second := recvWithin(t, router)
	require.NotNil(t, first.Peer)
	require.NotNil(t, second.Peer)
	assert.NotEqual(t, first.Peer, second.Peer)

	// Answer in reverse order; each response must reach its own dealer.
	require.NoError(t, router.Send(context.Background(), frames("req/b", "id-2", "to B"), second.Peer))
	require.NoError(t, router.Send(context.Background(), frames("req/a", "id-1", "to A"), first.Peer))

	assert.Equal(t, frames("req/a", "id-1", "to A"), recvWithin(t, dealerA).Frames)
	assert.Equal(t, frames("req/b", "id-2", "to B"), recvWithin(t, dealerB).Frames)

	t.Run("router sends need a peer", func(t *testing.T) {
		err := router.Send(context.Background(), frames("req/a", "id-3", "x"), nil)
		assert.ErrorContains(t, err, "peer")
	})

	t.Run("a closed peer is gone", func(t *testing.T) {
		require.NoError(t, dealerA.Close())
		err := router.Send(context.Background(), frames("req/a", "id-4", "x"), first.Peer)
		assert.ErrorContains(t, err, "gone")
	})
}

func TestPairTransport(t *testing.T) {
	p := NewProvider()
	defer p.Close()
	server, err := p.NewEndpoint(transport.Config{Name: "left", Addr: "link", Pattern: transport.Pair, Role: transport.Server})
	require.NoError(t, err)
	client, err := p.NewEndpoint(transport.Config{Name: "right", Addr: "link", Pattern: transport.Pair, Role: transport.Client})
	require.NoError(t, err)

	require.NoError(t, client.Send(context.Background(), frames("chat/msg", "hello"), nil))
	assert.Equal(t, frames("chat/msg", "hello"), recvWithin(t, server).Frames)

	require.NoError(t, server.Send(context.Background(), frames("chat/msg", "hi"), nil))
	assert.Equal(t, frames("chat/msg", "hi"), recvWithin(t, client).Frames)
}

func TestEndpointClose(t *testing.T) {
	p := NewProvider()
	defer p.Close()
	ep, err := p.NewEndpoint(transport.Config{Name: "sub", Addr: "feed", Pattern: transport.Sub, Role: transport.Client})
	require.NoError(t, err)

	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())

	_, err = ep.Recv(context.Background())
	assert.ErrorIs(t, err, contracts.ErrEndpointClosed)
	err = ep.Send(context.Background(), frames("x", "y"), nil)
	assert.ErrorIs(t, err, contracts.ErrEndpointClosed)
}
