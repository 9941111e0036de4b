package routing

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/tubes-go/contracts"
	"github.com/glimte/tubes-go/transport"
)

// Registration binds a handler to a topic pattern, optionally pinned to
// a specific endpoint. Pinning disambiguates which endpoint's reply
// channel to use when several endpoints on one node match the same
// pattern.
type Registration struct {
	Pattern  string
	Handler  contracts.Handler
	Endpoint transport.Endpoint
}

// Registry owns the node's endpoints and handler registrations. It
// resolves a topic to an endpoint for sending independently from
// resolving a topic to a handler for dispatch, and performs no I/O of
// its own. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	endpoints *Matcher[transport.Endpoint]
	handlers  *Matcher[[]*Registration]
	// ordered holds each endpoint once, in registration order. The
	// order is the documented tie-break for ambiguous resolutions and
	// drives teardown.
	ordered []transport.Endpoint
	closed  bool
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		endpoints: NewMatcher[transport.Endpoint](),
		handlers:  NewMatcher[[]*Registration](),
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// RegisterEndpoint tags ep with the topic patterns it serves.
// Registering the same endpoint under the same pattern again replaces
// the previous registration instead of duplicating it.
func (r *Registry) RegisterEndpoint(ep transport.Endpoint, patterns ...string) error {
	if ep == nil {
		return fmt.Errorf("endpoint cannot be nil")
	}
	if len(patterns) == 0 {
		return fmt.Errorf("endpoint %q needs at least one topic pattern", ep.Name())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return contracts.ErrEndpointClosed
	}
	for _, pattern := range patterns {
		r.endpoints.Register(pattern, ep)
		r.logger.Debug("registered endpoint",
			"endpoint", ep.Name(),
			"pattern", ep.Pattern().String(),
			"topic", pattern,
		)
	}
	for _, known := range r.ordered {
		if known == ep {
			return nil
		}
	}
	r.ordered = append(r.ordered, ep)
	return nil
}

// RegisterHandler registers handler for pattern. boundEndpoint may be
// nil; when set, the handler only serves deliveries arriving on that
// endpoint.
func (r *Registry) RegisterHandler(pattern string, handler contracts.Handler, boundEndpoint transport.Endpoint) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return contracts.ErrEndpointClosed
	}
	regs, _ := r.handlers.Get(pattern)
	for i, reg := range regs {
		if reg.Pattern == pattern && reg.Endpoint == boundEndpoint {
			regs[i] = &Registration{Pattern: pattern, Handler: handler, Endpoint: boundEndpoint}
			return nil
		}
	}
	regs = append(regs, &Registration{Pattern: pattern, Handler: handler, Endpoint: boundEndpoint})
	r.handlers.Register(pattern, regs)
	r.logger.Debug("registered handler", "topic", pattern, "bound", boundEndpoint != nil)
	return nil
}

// EndpointFor resolves the endpoint to send on for topic. When patterns
// are given, only endpoints of those messaging patterns are considered;
// resolution still follows matcher specificity order. The boolean is
// false when no registered pattern matches.
func (r *Registry) EndpointFor(topic string, patterns ...transport.Pattern) (transport.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for ep := range r.endpoints.Match(topic) {
		if len(patterns) == 0 {
			return ep, true
		}
		for _, p := range patterns {
			if ep.Pattern() == p {
				return ep, true
			}
		}
	}
	return nil, false
}

// HandlerFor resolves the handler serving topic for a delivery that
// arrived on receiving. Registrations bound to the receiving endpoint
// win over unbound ones; among equals, first registered wins.
func (r *Registry) HandlerFor(topic string, receiving transport.Endpoint) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var unbound *Registration
	for regs := range r.handlers.Match(topic) {
		for _, reg := range regs {
			if reg.Endpoint != nil {
				if reg.Endpoint == receiving {
					return reg, true
				}
				continue
			}
			if unbound == nil {
				unbound = reg
			}
		}
	}
	if unbound != nil {
		return unbound, true
	}
	return nil, false
}

// EndpointByName finds a registered endpoint by its logical name.
func (r *Registry) EndpointByName(name string) (transport.Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ep := range r.ordered {
		if ep.Name() == name {
			return ep, true
		}
	}
	return nil, false
}

// Endpoints returns the registered endpoints in registration order.
func (r *Registry) Endpoints() []transport.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.Endpoint, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Dispatchable returns the endpoints the dispatch loop must drive.
func (r *Registry) Dispatchable() []transport.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []transport.Endpoint
	for _, ep := range r.ordered {
		if ep.Pattern().NeedsDispatch() {
			out = append(out, ep)
		}
	}
	return out
}

// Close closes every registered endpoint exactly once. Further
// registrations fail with ErrEndpointClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	for _, ep := range r.ordered {
		if err := ep.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
