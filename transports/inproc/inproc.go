// Package inproc provides a channel-based transport for hermetic tests
// and single-binary wiring. One server endpoint binds each address;
// clients connect to it. Client sends carry the client's identity, so
// router endpoints see a peer and reply endpoints keep their lockstep
// reply state.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/tubes-go/contracts"
	"github.com/glimte/tubes-go/transport"
)

const inboxDepth = 128

// Provider creates in-process endpoints. Addresses are arbitrary
// strings scoped to the provider instance.
type Provider struct {
	mu     sync.Mutex
	buses  map[string]*bus
	closed bool
}

// NewProvider creates an empty in-process transport.
func NewProvider() *Provider {
	return &Provider{buses: make(map[string]*bus)}
}

type bus struct {
	mu      sync.Mutex
	server  *Endpoint
	clients []*Endpoint
}

// Endpoint is an in-process transport endpoint.
type Endpoint struct {
	name    string
	pattern transport.Pattern
	role    transport.Role
	mode    transport.Mode
	id      []byte
	bus     *bus

	inbox     chan transport.Delivery
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	lastPeer []byte // reply lockstep: who to answer next
}

// NewEndpoint implements transport.Provider.
func (p *Provider) NewEndpoint(cfg transport.Config) (transport.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, contracts.ErrEndpointClosed
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("endpoint %q needs an address", cfg.Name)
	}
	b, ok := p.buses[cfg.Addr]
	if !ok {
		b = &bus{}
		p.buses[cfg.Addr] = b
	}
	ep := &Endpoint{
		name:    cfg.Name,
		pattern: cfg.Pattern,
		role:    cfg.Role,
		mode:    cfg.Mode,
		id:      []byte(cfg.Name + "#" + uuid.NewString()[:8]),
		bus:     b,
		inbox:   make(chan transport.Delivery, inboxDepth),
		closed:  make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.Role == transport.Server {
		if b.server != nil {
			return nil, fmt.Errorf("address %q already bound by %q", cfg.Addr, b.server.name)
		}
		b.server = ep
	} else {
		b.clients = append(b.clients, ep)
	}
	return ep, nil
}

// Close implements transport.Provider. Endpoints are expected to be
// closed by their owning registry first; any remaining ones are closed
// here.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, b := range p.buses {
		b.mu.Lock()
		if b.server != nil {
			b.server.Close()
		}
		for _, c := range b.clients {
			c.Close()
		}
		b.mu.Unlock()
	}
	p.buses = make(map[string]*bus)
	return nil
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
	if e.pattern == transport.Sub {
		return fmt.Errorf("%w: subscribe endpoint %q cannot send", contracts.ErrUnsupportedOperation, e.name)
	}
	if e.role == transport.Client {
		e.bus.mu.Lock()
		server := e.bus.server
		e.bus.mu.Unlock()
		if server == nil {
			return fmt.Errorf("no endpoint bound for %q to reach", e.name)
		}
		return server.deliver(ctx, transport.Delivery{Frames: frames, Peer: e.id})
	}
	switch e.pattern {
	case transport.Pub:
		e.bus.mu.Lock()
		clients := make([]*Endpoint, len(e.bus.clients))
		copy(clients, e.bus.clients)
		e.bus.mu.Unlock()
		for _, c := range clients {
			if c.pattern != transport.Sub {
				continue
			}
			if err := c.deliver(ctx, transport.Delivery{Frames: frames}); err != nil {
				return err
			}
		}
		return nil
	case transport.Router:
		if peer == nil {
			return fmt.Errorf("router endpoint %q needs a peer identity to send", e.name)
		}
		return e.deliverToPeer(ctx, frames, peer)
	case transport.Rep:
		e.mu.Lock()
		peer = e.lastPeer
		e.mu.Unlock()
		if peer == nil {
			return fmt.Errorf("reply endpoint %q has no pending request", e.name)
		}
		return e.deliverToPeer(ctx, frames, peer)
	case transport.Pair:
		e.bus.mu.Lock()
		var pair *Endpoint
		if len(e.bus.clients) > 0 {
			pair = e.bus.clients[0]
		}
		e.bus.mu.Unlock()
		if pair == nil {
			return fmt.Errorf("pair endpoint %q has no connected peer", e.name)
		}
		return pair.deliver(ctx, transport.Delivery{Frames: frames})
	default:
		return fmt.Errorf("%w: %s endpoint %q cannot send as server",
			contracts.ErrUnsupportedOperation, e.pattern, e.name)
	}
}

func (e *Endpoint) deliverToPeer(ctx context.Context, frames [][]byte, peer []byte) error {
	e.bus.mu.Lock()
	var target *Endpoint
	for _, c := range e.bus.clients {
		if string(c.id) == string(peer) {
			target = c
			break
		}
	}
	e.bus.mu.Unlock()
	if target == nil {
		return fmt.Errorf("peer %q is gone", string(peer))
	}
	return target.deliver(ctx, transport.Delivery{Frames: frames})
}

func (e *Endpoint) deliver(ctx context.Context, d transport.Delivery) error {
	select {
	case e.inbox <- d:
		return nil
	case <-e.closed:
		return fmt.Errorf("%w: %s", contracts.ErrEndpointClosed, e.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv implements transport.Endpoint. Only router endpoints expose the
// sender's identity; reply endpoints stash it as the destination of the
// next Send.
func (e *Endpoint) Recv(ctx context.Context) (transport.Delivery, error) {
	select {
	case d := <-e.inbox:
		switch e.pattern {
		case transport.Router:
		case transport.Rep:
			e.mu.Lock()
			e.lastPeer = d.Peer
			e.mu.Unlock()
			d.Peer = nil
		default:
			d.Peer = nil
		}
		return d, nil
	case <-e.closed:
		return transport.Delivery{}, fmt.Errorf("%w: %s", contracts.ErrEndpointClosed, e.name)
	case <-ctx.Done():
		return transport.Delivery{}, ctx.Err()
	}
}

// Close implements transport.Endpoint. Safe to call more than once.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.bus.mu.Lock()
		if e.bus.server == e {
			e.bus.server = nil
		}
		for i, c := range e.bus.clients {
			if c == e {
				e.bus.clients = append(e.bus.clients[:i], e.bus.clients[i+1:]...)
				break
			}
		}
		e.bus.mu.Unlock()
	})
	return nil
}
