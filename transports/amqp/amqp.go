// Package amqp maps the tubes transport capability surface onto
// RabbitMQ. Publish/subscribe traffic flows through a topic exchange
// (topic separators become AMQP dots, "+" becomes "*"); request-style
// traffic flows through queues named by the endpoint address, with an
// exclusive auto-delete reply queue per client whose name doubles as
// the peer identity for router endpoints.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/tubes-go/contracts"
	"github.com/glimte/tubes-go/transport"
)

const (
	topicExchange = "tubes.topic"
	inboxDepth    = 128
)

// Provider creates AMQP endpoints over one broker connection.
type Provider struct {
	conn   *amqp.Connection
	logger *slog.Logger

	mu        sync.Mutex
	endpoints []*Endpoint
	closed    bool
}

// ProviderOption configures a Provider.
type ProviderOption func(*providerConfig)

type providerConfig struct {
	logger *slog.Logger
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(c *providerConfig) {
		c.logger = logger
	}
}

// NewProvider connects to the broker and declares the topic exchange.
func NewProvider(url string, options ...ProviderOption) (*Provider, error) {
	cfg := &providerConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()
	err = ch.ExchangeDeclare(topicExchange, "topic", false, true, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	cfg.logger.Info("connected to broker", "exchange", topicExchange)
	return &Provider{conn: conn, logger: cfg.logger}, nil
}

// routingKey converts a topic to an AMQP routing key.
func routingKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// bindingKey converts a topic pattern to an AMQP binding key.
func bindingKey(pattern string) string {
	key := strings.ReplaceAll(pattern, "/", ".")
	return strings.ReplaceAll(key, "+", "*")
}

// NewEndpoint implements transport.Provider.
func (p *Provider) NewEndpoint(cfg transport.Config) (transport.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, contracts.ErrEndpointClosed
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel for %q: %w", cfg.Name, err)
	}
	ep := &Endpoint{
		name:    cfg.Name,
		addr:    cfg.Addr,
		pattern: cfg.Pattern,
		role:    cfg.Role,
		mode:    cfg.Mode,
		ch:      ch,
		logger:  p.logger,
		inbox:   make(chan transport.Delivery, inboxDepth),
		closed:  make(chan struct{}),
	}
	if err := ep.setup(cfg.Topics); err != nil {
		ch.Close()
		return nil, err
	}
	p.endpoints = append(p.endpoints, ep)
	return ep, nil
}

// Close implements transport.Provider.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, ep := range p.endpoints {
		ep.Close()
	}
	return p.conn.Close()
}

// Endpoint is an AMQP-backed transport endpoint.
type Endpoint struct {
	name    string
	addr    string
	pattern transport.Pattern
	role    transport.Role
	mode    transport.Mode
	logger  *slog.Logger

	sendMu sync.Mutex
	ch     *amqp.Channel

	// replyQueue is this endpoint's private receive queue for
	// request-style patterns; its name travels as ReplyTo and serves as
	// the peer identity.
	replyQueue string

	mu       sync.Mutex
	lastPeer string // reply lockstep

	inbox     chan transport.Delivery
	closed    chan struct{}
	closeOnce sync.Once
}

// setup declares the queues and bindings the pattern/role combination
// needs and starts consuming where the endpoint receives.
func (e *Endpoint) setup(topics []string) error {
	switch e.pattern {
	case transport.Pub:
		return nil
	case transport.Sub:
		q, err := e.ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return fmt.Errorf("subscribe queue for %q: %w", e.name, err)
		}
		if len(topics) == 0 {
			topics = []string{"#"}
		}
		for _, pattern := range topics {
			if err := e.ch.QueueBind(q.Name, bindingKey(pattern), topicExchange, false, nil); err != nil {
				return fmt.Errorf("binding %q for %q: %w", pattern, e.name, err)
			}
		}
		return e.consume(q.Name)
	case transport.Rep, transport.Router:
		if _, err := e.ch.QueueDeclare(e.addr, false, true, false, false, nil); err != nil {
			return fmt.Errorf("request queue %q for %q: %w", e.addr, e.name, err)
		}
		return e.consume(e.addr)
	case transport.Req, transport.Dealer:
		name := fmt.Sprintf("tubes.reply.%s.%s", e.name, uuid.NewString()[:8])
		q, err := e.ch.QueueDeclare(name, false, true, true, false, nil)
		if err != nil {
			return fmt.Errorf("reply queue for %q: %w", e.name, err)
		}
		e.replyQueue = q.Name
		return e.consume(q.Name)
	case transport.Pair:
		in, out := e.addr+".s", e.addr+".c"
		if e.role == transport.Client {
			in, out = out, in
		}
		if _, err := e.ch.QueueDeclare(in, false, true, false, false, nil); err != nil {
			return fmt.Errorf("pair queue %q for %q: %w", in, e.name, err)
		}
		if _, err := e.ch.QueueDeclare(out, false, true, false, false, nil); err != nil {
			return fmt.Errorf("pair queue %q for %q: %w", out, e.name, err)
		}
		e.replyQueue = out
		return e.consume(in)
	default:
		return fmt.Errorf("endpoint %q has an unknown pattern %d", e.name, e.pattern)
	}
}

func (e *Endpoint) consume(queue string) error {
	deliveries, err := e.ch.Consume(queue, "", true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %q for %q: %w", queue, e.name, err)
	}
	go e.pump(deliveries)
	return nil
}

func (e *Endpoint) pump(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		td := e.toDelivery(d)
		select {
		case e.inbox <- td:
		case <-e.closed:
			return
		}
	}
}

func (e *Endpoint) toDelivery(d amqp.Delivery) transport.Delivery {
	var frames [][]byte
	if e.pattern.FrameCount() == 3 {
		frames = [][]byte{[]byte(d.Type), []byte(d.CorrelationId), d.Body}
	} else {
		frames = [][]byte{[]byte(d.Type), d.Body}
	}
	switch e.pattern {
	case transport.Router:
		return transport.Delivery{Frames: frames, Peer: []byte(d.ReplyTo)}
	case transport.Rep:
		e.mu.Lock()
		e.lastPeer = d.ReplyTo
		e.mu.Unlock()
	}
	return transport.Delivery{Frames: frames}
}

// publishing rebuilds AMQP message fields from envelope frames.
func (e *Endpoint) publishing(frames [][]byte) (string, amqp.Publishing, error) {
	pub := amqp.Publishing{}
	switch len(frames) {
	case 2:
		pub.Type = string(frames[0])
		pub.Body = frames[1]
	case 3:
		pub.Type = string(frames[0])
		pub.CorrelationId = string(frames[1])
		pub.Body = frames[2]
	default:
		return "", pub, fmt.Errorf("%w: %d frames", contracts.ErrMalformedMessage, len(frames))
	}
	return pub.Type, pub, nil
}

// Send implements transport.Endpoint.
func (e *Endpoint) Send(ctx context.Context, frames [][]byte, peer []byte) error {
	select {
	case <-e.closed:
		return fmt.Errorf("%w: %s", contracts.ErrEndpointClosed, e.name)
	default:
	}
	topic, pub, err := e.publishing(frames)
	if err != nil {
		return err
	}
	exchange, key := "", ""
	switch e.pattern {
	case transport.Pub:
		exchange, key = topicExchange, routingKey(topic)
	case transport.Req, transport.Dealer:
		key = e.addr
		pub.ReplyTo = e.replyQueue
	case transport.Rep:
		e.mu.Lock()
		key = e.lastPeer
		e.mu.Unlock()
		if key == "" {
			return fmt.Errorf("reply endpoint %q has no pending request", e.name)
		}
	case transport.Router:
		if peer == nil {
			return fmt.Errorf("router endpoint %q needs a peer identity to send", e.name)
		}
		key = string(peer)
	case transport.Pair:
		key = e.replyQueue
	default:
		return fmt.Errorf("%w: %s endpoint %q cannot send",
			contracts.ErrUnsupportedOperation, e.pattern, e.name)
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := e.ch.PublishWithContext(ctx, exchange, key, false, false, pub); err != nil {
		return fmt.Errorf("send on %q failed: %w", e.name, err)
	}
	return nil
}

// Recv implements transport.Endpoint.
func (e *Endpoint) Recv(ctx context.Context) (transport.Delivery, error) {
	select {
	case d := <-e.inbox:
		return d, nil
	case <-e.closed:
		return transport.Delivery{}, fmt.Errorf("%w: %s", contracts.ErrEndpointClosed, e.name)
	case <-ctx.Done():
		return transport.Delivery{}, ctx.Err()
	}
}

// Name implements transport.Endpoint.
func (e *Endpoint) Name() string { return e.name }

// Pattern implements transport.Endpoint.
func (e *Endpoint) Pattern() transport.Pattern { return e.pattern }

// Role implements transport.Endpoint.
func (e *Endpoint) Role() transport.Role { return e.role }

// Mode implements transport.Endpoint.
func (e *Endpoint) Mode() transport.Mode { return e.mode }

// Close implements transport.Endpoint. Safe to call more than once.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.ch.Close()
	})
	return err
}
