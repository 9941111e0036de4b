package tubes_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tubes "github.com/glimte/tubes-go"
	"github.com/glimte/tubes-go/contracts"
	"github.com/glimte/tubes-go/transport"
	"github.com/glimte/tubes-go/transports/inproc"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newNode(t *testing.T, provider transport.Provider, options ...tubes.NodeOption) *tubes.Node {
	t.Helper()
	options = append([]tubes.NodeOption{
		tubes.WithProvider(provider),
		tubes.WithLogger(quietLogger()),
	}, options...)
	n := tubes.NewNode(options...)
	t.Cleanup(func() { n.Close() })
	return n
}

func startNode(t *testing.T, n *tubes.Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, n.Start(ctx))
}

func mustEndpoint(t *testing.T, n *tubes.Node, cfg transport.Config) transport.Endpoint {
	t.Helper()
	ep, err := n.NewEndpoint(cfg)
	require.NoError(t, err)
	return ep
}

func TestRequestResponse(t *testing.T) {
	setup := func(t *testing.T, serverOpts ...tubes.NodeOption) (*tubes.Node, *tubes.Node) {
		provider := inproc.NewProvider()
		t.Cleanup(func() { provider.Close() })

		server := newNode(t, provider, serverOpts...)
		mustEndpoint(t, server, transport.Config{
			Name: "resp", Addr: "svc", Pattern: transport.Rep,
			Role: transport.Server, Mode: transport.Text, Topics: []string{"req/#"},
		})

		client := newNode(t, provider)
		mustEndpoint(t, client, transport.Config{
			Name: "req", Addr: "svc", Pattern: transport.Req,
			Role: transport.Client, Mode: transport.Text, Topics: []string{"req/#"},
		})
		return server, client
	}

	t.Run("a request gets its own response back", func(t *testing.T) {
		server, client := setup(t)
		err := server.RegisterHandlerFunc("req/#", func(ctx context.Context, msg *contracts.Message) (any, error) {
			return "answer " + msg.String(), nil
		})
		require.NoError(t, err)
		startNode(t, server)

		resp, err := client.Request(context.Background(), "req/a", "question", 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "req/a", resp.Topic)
		assert.Equal(t, "answer question", resp.String())
		assert.NotEmpty(t, resp.CorrelationID)
	})

	t.Run("concurrent requests on one endpoint pair correctly", func(t *testing.T) {
		server, client := setup(t, tubes.WithThreadedDispatch())
		err := server.RegisterHandlerFunc("req/#", func(ctx context.Context, msg *contracts.Message) (any, error) {
			if msg.Topic == "req/slow" {
				time.Sleep(200 * time.Millisecond)
			}
			return "answer " + msg.String(), nil
		})
		require.NoError(t, err)
		startNode(t, server)

		var wg sync.WaitGroup
		results := make(map[string]string)
		var mu sync.Mutex
		for topic, payload := range map[string]string{"req/slow": "10", "req/fast": "11"} {
			wg.Add(1)
			go func(topic, payload string) {
				defer wg.Done()
				resp, err := client.Request(context.Background(), topic, payload, 5*time.Second)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				results[topic] = resp.String()
				mu.Unlock()
			}(topic, payload)
		}
		wg.Wait()
		assert.Equal(t, map[string]string{
			"req/slow": "answer 10",
			"req/fast": "answer 11",
		}, results)
	})

	t.Run("a failed handler leaves the requester to time out", func(t *testing.T) {
		server, client := setup(t)
		err := server.RegisterHandlerFunc("req/#", func(ctx context.Context, msg *contracts.Message) (any, error) {
			return nil, errors.New("cannot serve this")
		})
		require.NoError(t, err)
		startNode(t, server)

		_, err = client.Request(context.Background(), "req/a", "question", 150*time.Millisecond)
		assert.ErrorIs(t, err, contracts.ErrRequestTimeout)
	})

	t.Run("unknown topics are not configured", func(t *testing.T) {
		_, client := setup(t)
		_, err := client.Request(context.Background(), "nobody/home", nil, time.Second)
		assert.ErrorIs(t, err, contracts.ErrTopicNotConfigured)
	})

	t.Run("publishing on a request topic is unsupported", func(t *testing.T) {
		_, client := setup(t)
		err := client.Publish(context.Background(), "req/a", "x")
		assert.ErrorIs(t, err, contracts.ErrUnsupportedOperation)
	})

	t.Run("unencodable payloads are rejected before sending", func(t *testing.T) {
		_, client := setup(t)
		_, err := client.Request(context.Background(), "req/a", struct{}{}, time.Second)
		assert.ErrorIs(t, err, contracts.ErrInvalidPayload)
	})
}

func TestPublishSubscribe(t *testing.T) {
	provider := inproc.NewProvider()
	t.Cleanup(func() { provider.Close() })

	publisher := newNode(t, provider)
	mustEndpoint(t, publisher, transport.Config{
		Name: "pub", Addr: "feed", Pattern: transport.Pub,
		Role: transport.Server, Mode: transport.Text, Topics: []string{"status/#"},
	})

	subscriber := newNode(t, provider)
	mustEndpoint(t, subscriber, transport.Config{
		Name: "sub", Addr: "feed", Pattern: transport.Sub,
		Role: transport.Client, Mode: transport.Text, Topics: []string{"status/#"},
	})

	received := make(chan *contracts.Message, 4)
	err := subscriber.RegisterHandlerFunc("status/+", func(ctx context.Context, msg *contracts.Message) (any, error) {
		received <- msg
		return nil, nil
	})
	require.NoError(t, err)
	startNode(t, subscriber)

	require.NoError(t, publisher.Publish(context.Background(), "status/lamp", "on"))

	select {
	case msg := <-received:
		assert.Equal(t, "status/lamp", msg.Topic)
		assert.Equal(t, "on", msg.Body())
	case <-time.After(2 * time.Second):
		t.Fatal("published message never arrived")
	}

	t.Run("subscribe endpoints cannot publish", func(t *testing.T) {
		err := subscriber.Publish(context.Background(), "status/lamp", "off")
		assert.ErrorIs(t, err, contracts.ErrUnsupportedOperation)
	})
}

func TestDealerRouter(t *testing.T) {
	provider := inproc.NewProvider()
	t.Cleanup(func() { provider.Close() })

	routerNode := newNode(t, provider, tubes.WithThreadedDispatch())
	mustEndpoint(t, routerNode, transport.Config{
		Name: "router", Addr: "svc", Pattern: transport.Router,
		Role: transport.Server, Mode: transport.Text, Topics: []string{"req/#"},
	})
	err := routerNode.RegisterHandlerFunc("req/#", func(ctx context.Context, msg *contracts.Message) (any, error) {
		if msg.Topic == "req/slow" {
			time.Sleep(200 * time.Millisecond)
		}
		return "answer " + msg.String(), nil
	})
	require.NoError(t, err)
	startNode(t, routerNode)

	dealerNode := newNode(t, provider)
	mustEndpoint(t, dealerNode, transport.Config{
		Name: "dealer", Addr: "svc", Pattern: transport.Dealer,
		Role: transport.Client, Mode: transport.Text, Topics: []string{"req/#"},
	})
	responses := make(chan *contracts.Message, 4)
	err = dealerNode.RegisterHandlerFunc("req/#", func(ctx context.Context, msg *contracts.Message) (any, error) {
		responses <- msg
		return nil, nil
	})
	require.NoError(t, err)
	startNode(t, dealerNode)

	require.NoError(t, dealerNode.Send(context.Background(), "req/slow", "10"))
	require.NoError(t, dealerNode.Send(context.Background(), "req/fast", "11"))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-responses:
			assert.NotEmpty(t, msg.CorrelationID)
			got = append(got, msg.String())
		case <-time.After(5 * time.Second):
			t.Fatal("router responses never arrived")
		}
	}
	// The slow request must not hold up the fast one.
	assert.Equal(t, []string{"answer 11", "answer 10"}, got)
}

func TestPair(t *testing.T) {
	provider := inproc.NewProvider()
	t.Cleanup(func() { provider.Close() })

	left := newNode(t, provider)
	mustEndpoint(t, left, transport.Config{
		Name: "left", Addr: "link", Pattern: transport.Pair,
		Role: transport.Server, Mode: transport.Text, Topics: []string{"chat/#"},
	})
	right := newNode(t, provider)
	mustEndpoint(t, right, transport.Config{
		Name: "right", Addr: "link", Pattern: transport.Pair,
		Role: transport.Client, Mode: transport.Text, Topics: []string{"chat/#"},
	})

	fromRight := make(chan string, 1)
	err := left.RegisterHandlerFunc("chat/#", func(ctx context.Context, msg *contracts.Message) (any, error) {
		fromRight <- msg.String()
		return nil, nil
	})
	require.NoError(t, err)
	fromLeft := make(chan string, 1)
	err = right.RegisterHandlerFunc("chat/#", func(ctx context.Context, msg *contracts.Message) (any, error) {
		fromLeft <- msg.String()
		return nil, nil
	})
	require.NoError(t, err)
	startNode(t, left)
	startNode(t, right)

	require.NoError(t, right.Send(context.Background(), "chat/msg", "hello"))
	require.NoError(t, left.Send(context.Background(), "chat/msg", "hi back"))

	select {
	case got := <-fromRight:
		assert.Equal(t, "hello", got)
	case <-time.After(2 * time.Second):
		t.Fatal("pair message to the server never arrived")
	}
	select {
	case got := <-fromLeft:
		assert.Equal(t, "hi back", got)
	case <-time.After(2 * time.Second):
		t.Fatal("pair message to the client never arrived")
	}
}

func TestNodeLifecycle(t *testing.T) {
	t.Run("start without dispatchable endpoints is a no-op", func(t *testing.T) {
		provider := inproc.NewProvider()
		t.Cleanup(func() { provider.Close() })
		n := newNode(t, provider)
		mustEndpoint(t, n, transport.Config{
			Name: "pub", Addr: "feed", Pattern: transport.Pub,
			Role: transport.Server, Mode: transport.Text, Topics: []string{"status/#"},
		})
		require.NoError(t, n.Start(context.Background()))
		n.Stop()
	})

	t.Run("a second start fails while running", func(t *testing.T) {
		provider := inproc.NewProvider()
		t.Cleanup(func() { provider.Close() })
		n := newNode(t, provider)
		mustEndpoint(t, n, transport.Config{
			Name: "sub", Addr: "feed", Pattern: transport.Sub,
			Role: transport.Client, Mode: transport.Text, Topics: []string{"status/#"},
		})
		startNode(t, n)
		assert.Error(t, n.Start(context.Background()))
	})

	t.Run("close is idempotent and ends registrations", func(t *testing.T) {
		provider := inproc.NewProvider()
		t.Cleanup(func() { provider.Close() })
		n := newNode(t, provider)
		mustEndpoint(t, n, transport.Config{
			Name: "sub", Addr: "feed", Pattern: transport.Sub,
			Role: transport.Client, Mode: transport.Text, Topics: []string{"status/#"},
		})
		require.NoError(t, n.Close())
		require.NoError(t, n.Close())

		_, err := n.NewEndpoint(transport.Config{
			Name: "late", Addr: "feed", Pattern: transport.Sub,
			Role: transport.Client, Topics: []string{"x/#"},
		})
		assert.ErrorIs(t, err, contracts.ErrEndpointClosed)
	})
}
