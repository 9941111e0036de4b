// Package zmq provides a ZeroMQ transport built on the pure-Go
// go-zeromq/zmq4 sockets. Every messaging pattern maps onto its native
// socket type; subscribe endpoints subscribe to everything, because
// topic filtering is the routing registry's job.
package zmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-zeromq/zmq4"

	"github.com/glimte/tubes-go/contracts"
	"github.com/glimte/tubes-go/transport"
)

const inboxDepth = 128

// Provider creates ZeroMQ endpoints. Construct one per process and
// close it after every node using it has closed its endpoints.
type Provider struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu        sync.Mutex
	endpoints []*Endpoint
	closed    bool
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		p.logger = logger
	}
}

// NewProvider creates a ZeroMQ transport provider.
func NewProvider(options ...ProviderOption) *Provider {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		ctx:    ctx,
		cancel: cancel,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

func (p *Provider) newSocket(cfg transport.Config) (zmq4.Socket, error) {
	id := zmq4.WithID(zmq4.SocketIdentity(cfg.Name))
	switch cfg.Pattern {
	case transport.Pub:
		return zmq4.NewPub(p.ctx), nil
	case transport.Sub:
		return zmq4.NewSub(p.ctx, id), nil
	case transport.Req:
		return zmq4.NewReq(p.ctx, id), nil
	case transport.Rep:
		return zmq4.NewRep(p.ctx, id), nil
	case transport.Router:
		return zmq4.NewRouter(p.ctx, id), nil
	case transport.Dealer:
		return zmq4.NewDealer(p.ctx, id), nil
	case transport.Pair:
		return zmq4.NewPair(p.ctx, id), nil
	default:
		return nil, fmt.Errorf("endpoint %q has an unknown pattern %d", cfg.Name, cfg.Pattern)
	}
}

// NewEndpoint implements transport.Provider.
func (p *Provider) NewEndpoint(cfg transport.Config) (transport.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, contracts.ErrEndpointClosed
	}
	sock, err := p.newSocket(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Role == transport.Server {
		p.logger.Info("binding endpoint",
			"endpoint", cfg.Name, "pattern", cfg.Pattern.String(), "addr", cfg.Addr)
		err = sock.Listen(cfg.Addr)
	} else {
		p.logger.Info("connecting endpoint",
			"endpoint", cfg.Name, "pattern", cfg.Pattern.String(), "addr", cfg.Addr)
		err = sock.Dial(cfg.Addr)
	}
	if err != nil {
		sock.Close()
		return nil, fmt.Errorf("endpoint %q cannot reach %q: %w", cfg.Name, cfg.Addr, err)
	}
	if cfg.Pattern == transport.Sub {
		if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
			sock.Close()
			return nil, fmt.Errorf("endpoint %q subscribe failed: %w", cfg.Name, err)
		}
	}
	ep := &Endpoint{
		name:      cfg.Name,
		pattern:   cfg.Pattern,
		role:      cfg.Role,
		mode:      cfg.Mode,
		sock:      sock,
		logger:    p.logger,
		inbox:     make(chan transport.Delivery, inboxDepth),
		errc:      make(chan error, 1),
		closed:    make(chan struct{}),
		envelopes: make(map[string]bool),
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
	p.cancel()
	return nil
}

// Endpoint is a ZeroMQ-backed transport endpoint.
type Endpoint struct {
	name    string
	pattern transport.Pattern
	role    transport.Role
	mode    transport.Mode
	sock    zmq4.Socket
	logger  *slog.Logger

	inbox    chan transport.Delivery
	errc     chan error
	pumpOnce sync.Once

	sendMu sync.Mutex
	// envelopes remembers which router peers frame their traffic with a
	// REQ-style empty delimiter, so replies restore it.
	envelopes map[string]bool

	closed    chan struct{}
	closeOnce sync.Once
}

// Name implements transport.Endpoint.
func (e *Endpoint) Name() string { return e.name }

// Pattern implements transport.Endpoint.
func (e *Endpoint) Pattern() transport.Pattern { return e.pattern }

// Role implements transport.Endpoint.
func (e *Endpoint) Role() transport.Role { return e.role }

// Mode implements transport.Endpoint.
func (e *Endpoint) Mode() transport.Mode { return e.mode }

// Send implements transport.Endpoint.
func (e *Endpoint) Send(ctx context.Context, frames [][]byte, peer []byte) error {
	select {
	case <-e.closed:
		return fmt.Errorf("%w: %s", contracts.ErrEndpointClosed, e.name)
	default:
	}
	if e.pattern == transport.Router {
		if peer == nil {
			return fmt.Errorf("router endpoint %q needs a peer identity to send", e.name)
		}
		wire := make([][]byte, 0, len(frames)+2)
		wire = append(wire, peer)
		e.sendMu.Lock()
		if e.envelopes[string(peer)] {
			wire = append(wire, []byte{})
		}
		e.sendMu.Unlock()
		frames = append(wire, frames...)
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := e.sock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		return fmt.Errorf("send on %q failed: %w", e.name, err)
	}
	return nil
}

// Recv implements transport.Endpoint. The first call starts a pump
// goroutine so the blocking socket receive can be abandoned on context
// cancellation without losing messages.
func (e *Endpoint) Recv(ctx context.Context) (transport.Delivery, error) {
	e.pumpOnce.Do(func() { go e.pump() })
	select {
	case d := <-e.inbox:
		return d, nil
	case err := <-e.errc:
		return transport.Delivery{}, err
	case <-e.closed:
		return transport.Delivery{}, fmt.Errorf("%w: %s", contracts.ErrEndpointClosed, e.name)
	case <-ctx.Done():
		return transport.Delivery{}, ctx.Err()
	}
}

func (e *Endpoint) pump() {
	for {
		msg, err := e.sock.Recv()
		if err != nil {
			select {
			case e.errc <- fmt.Errorf("receive on %q failed: %w", e.name, err):
			case <-e.closed:
			}
			return
		}
		d := e.toDelivery(msg.Frames)
		select {
		case e.inbox <- d:
		case <-e.closed:
			return
		}
	}
}

// toDelivery strips the wire framing down to envelope frames. Router
// sockets receive the peer identity first and, for REQ peers, an empty
// delimiter after it.
func (e *Endpoint) toDelivery(frames [][]byte) transport.Delivery {
	if e.pattern != transport.Router || len(frames) == 0 {
		return transport.Delivery{Frames: frames}
	}
	peer := frames[0]
	rest := frames[1:]
	hadEnvelope := len(rest) > 0 && len(rest[0]) == 0
	if hadEnvelope {
		rest = rest[1:]
	}
	e.sendMu.Lock()
	e.envelopes[string(peer)] = hadEnvelope
	e.sendMu.Unlock()
	return transport.Delivery{Frames: rest, Peer: peer}
}

// Close implements transport.Endpoint. Safe to call more than once.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		err = e.sock.Close()
	})
	return err
}
