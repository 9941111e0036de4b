package tubes

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/tubes-go/contracts"
	"github.com/glimte/tubes-go/messaging"
	"github.com/glimte/tubes-go/routing"
	"github.com/glimte/tubes-go/transport"
)

// Node composes the registry, correlator and dispatch loop behind one
// facade: register endpoints and handlers against topic patterns, then
// send, publish and request by topic instead of raw transport
// addresses.
type Node struct {
	provider   transport.Provider
	registry   *routing.Registry
	correlator *messaging.Correlator
	dispatcher *messaging.Dispatcher
	logger     *slog.Logger
	threaded   bool

	mu       sync.Mutex
	loop     messaging.Loop
	loopDone chan struct{}
	started  bool
	closed   bool
}

// NodeOption configures a Node.
type NodeOption func(*nodeConfig)

type nodeConfig struct {
	provider   transport.Provider
	correlator *messaging.Correlator
	logger     *slog.Logger
	threaded   bool
}

// WithProvider sets the transport provider used by NewEndpoint. A node
// fed only pre-constructed endpoints does not need one.
func WithProvider(p transport.Provider) NodeOption {
	return func(c *nodeConfig) {
		c.provider = p
	}
}

// WithLogger sets the logger for the node and its components.
func WithLogger(logger *slog.Logger) NodeOption {
	return func(c *nodeConfig) {
		c.logger = logger
	}
}

// WithThreadedDispatch selects the goroutine-per-endpoint dispatch
// strategy instead of the default cooperative select loop.
func WithThreadedDispatch() NodeOption {
	return func(c *nodeConfig) {
		c.threaded = true
	}
}

// WithCorrelator replaces the default correlator, e.g. to change the
// response cache bounds.
func WithCorrelator(correlator *messaging.Correlator) NodeOption {
	return func(c *nodeConfig) {
		c.correlator = correlator
	}
}

// NewNode creates an empty node.
func NewNode(options ...NodeOption) *Node {
	cfg := &nodeConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.correlator == nil {
		cfg.correlator = messaging.NewCorrelator(messaging.WithCorrelatorLogger(cfg.logger))
	}
	registry := routing.NewRegistry(routing.WithRegistryLogger(cfg.logger))
	return &Node{
		provider:   cfg.provider,
		registry:   registry,
		correlator: cfg.correlator,
		dispatcher: messaging.NewDispatcher(registry, messaging.WithDispatcherLogger(cfg.logger)),
		logger:     cfg.logger,
		threaded:   cfg.threaded,
	}
}

// Registry exposes the node's registry.
func (n *Node) Registry() *routing.Registry {
	return n.registry
}

// NewEndpoint creates an endpoint through the node's provider and
// registers it under cfg.Topics.
func (n *Node) NewEndpoint(cfg transport.Config) (transport.Endpoint, error) {
	if n.provider == nil {
		return nil, fmt.Errorf("node has no transport provider")
	}
	ep, err := n.provider.NewEndpoint(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint %q: %w", cfg.Name, err)
	}
	if err := n.registry.RegisterEndpoint(ep, cfg.Topics...); err != nil {
		ep.Close()
		return nil, err
	}
	return ep, nil
}

// RegisterEndpoint tags an already-constructed endpoint with the topic
// patterns it serves.
func (n *Node) RegisterEndpoint(ep transport.Endpoint, patterns ...string) error {
	return n.registry.RegisterEndpoint(ep, patterns...)
}

// HandlerOption configures a handler registration.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	endpoint transport.Endpoint
}

// BindEndpoint pins the handler to one endpoint, disambiguating which
// endpoint's reply channel serves the pattern when several endpoints on
// the node match it.
func BindEndpoint(ep transport.Endpoint) HandlerOption {
	return func(c *handlerConfig) {
		c.endpoint = ep
	}
}

// RegisterHandler registers handler for a topic pattern.
func (n *Node) RegisterHandler(pattern string, handler contracts.Handler, options ...HandlerOption) error {
	cfg := &handlerConfig{}
	for _, opt := range options {
		opt(cfg)
	}
	return n.registry.RegisterHandler(pattern, handler, cfg.endpoint)
}

// RegisterHandlerFunc registers a function as a handler.
func (n *Node) RegisterHandlerFunc(pattern string, handler contracts.HandlerFunc, options ...HandlerOption) error {
	return n.RegisterHandler(pattern, handler, options...)
}

// resolve finds the endpoint serving topic among the allowed messaging
// patterns. A topic served only by endpoints of other patterns is an
// unsupported operation; a topic served by nothing is not configured.
func (n *Node) resolve(topic string, allowed ...transport.Pattern) (transport.Endpoint, error) {
	if ep, ok := n.registry.EndpointFor(topic, allowed...); ok {
		return ep, nil
	}
	if ep, ok := n.registry.EndpointFor(topic); ok {
		return nil, fmt.Errorf("%w: endpoint %q (%s) cannot serve this call for topic %q",
			contracts.ErrUnsupportedOperation, ep.Name(), ep.Pattern(), topic)
	}
	return nil, fmt.Errorf("%w: topic %q is not assigned to any endpoint",
		contracts.ErrTopicNotConfigured, topic)
}

// Send delivers a fire-and-forget payload on the dealer or pair
// endpoint serving topic. Dealer traffic carries a fresh correlation id
// so the remote router can thread it back into its response.
func (n *Node) Send(ctx context.Context, topic string, payload any) error {
	ep, err := n.resolve(topic, transport.Dealer, transport.Pair)
	if err != nil {
		return err
	}
	var frames [][]byte
	if ep.Pattern().FrameCount() == 3 {
		frames, err = contracts.EncodeFrames(topic, payload, n.correlator.NextID())
	} else {
		frames, err = contracts.EncodeFrames(topic, payload, "")
	}
	if err != nil {
		return err
	}
	n.logger.Debug("send", "topic", topic, "endpoint", ep.Name())
	return ep.Send(ctx, frames, nil)
}

// Publish delivers a payload on the publish endpoint serving topic.
func (n *Node) Publish(ctx context.Context, topic string, payload any) error {
	ep, err := n.resolve(topic, transport.Pub)
	if err != nil {
		return err
	}
	frames, err := contracts.EncodeFrames(topic, payload, "")
	if err != nil {
		return err
	}
	n.logger.Debug("publish", "topic", topic, "endpoint", ep.Name())
	return ep.Send(ctx, frames, nil)
}

// Request sends a payload on the request endpoint serving topic and
// blocks until the matching response arrives or timeout elapses.
// Responses for other in-flight requests sharing the endpoint are
// cached for their own waiters instead of being misdelivered.
func (n *Node) Request(ctx context.Context, topic string, payload any, timeout time.Duration) (*contracts.Message, error) {
	ep, err := n.resolve(topic, transport.Req)
	if err != nil {
		return nil, err
	}
	correlationID := n.correlator.NextID()
	frames, err := contracts.EncodeFrames(topic, payload, correlationID)
	if err != nil {
		return nil, err
	}
	n.logger.Debug("request", "topic", topic, "endpoint", ep.Name(), "correlationId", correlationID)
	if err := ep.Send(ctx, frames, nil); err != nil {
		return nil, fmt.Errorf("failed to send request on %q: %w", ep.Name(), err)
	}
	body, err := n.correlator.Await(ctx, ep, topic, correlationID, timeout)
	if err != nil {
		return nil, err
	}
	return &contracts.Message{
		Topic:         topic,
		CorrelationID: correlationID,
		Payload:       body,
		Text:          ep.Mode() == transport.Text,
	}, nil
}

// Start runs the dispatch loop in the background. For a node with no
// endpoint requiring proactive dispatch it is a no-op that returns
// immediately.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return contracts.ErrEndpointClosed
	}
	if n.started {
		return fmt.Errorf("node already started")
	}
	endpoints := n.registry.Dispatchable()
	if len(endpoints) == 0 {
		n.logger.Debug("no endpoint requires dispatch, start is a no-op")
		return nil
	}
	if n.threaded {
		n.loop = messaging.NewThreadedLoop(n.dispatcher, endpoints, n.logger)
	} else {
		n.loop = messaging.NewSelectLoop(n.dispatcher, endpoints, n.logger)
	}
	n.loopDone = make(chan struct{})
	n.started = true
	go func(loop messaging.Loop, done chan struct{}) {
		defer close(done)
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			n.logger.Error("dispatch loop exited", "error", err)
		}
	}(n.loop, n.loopDone)
	return nil
}

// Stop halts the dispatch loop and waits for in-flight loop iterations
// to finish, so endpoints are never closed mid-dispatch.
func (n *Node) Stop() {
	n.mu.Lock()
	loop, done := n.loop, n.loopDone
	n.loop, n.loopDone = nil, nil
	n.started = false
	n.mu.Unlock()
	if loop == nil {
		return
	}
	loop.Stop()
	<-done
}

// Close stops the dispatch loop and closes every registered endpoint
// exactly once. The transport provider stays open; it is owned by the
// process, not the node.
func (n *Node) Close() error {
	n.Stop()
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	return n.registry.Close()
}
