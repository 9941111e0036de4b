package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/tubes-go/contracts"
	"github.com/glimte/tubes-go/routing"
	"github.com/glimte/tubes-go/transport"
)

// Dispatcher is the dispatch boundary shared by both loop strategies:
// decode the envelope, resolve the handler by topic, invoke it, and for
// reply-style patterns send the handler's return value back under the
// inbound correlation id. Malformed messages and handler failures are
// logged and contained; they never terminate a loop.
type Dispatcher struct {
	registry *routing.Registry
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *routing.Registry, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Dispatch processes one delivery from ep.
func (d *Dispatcher) Dispatch(ctx context.Context, ep transport.Endpoint, delivery transport.Delivery) {
	env, err := contracts.DecodeFrames(delivery.Frames, ep.Pattern().FrameCount())
	if err != nil {
		d.logger.Warn("dropping malformed message",
			"endpoint", ep.Name(),
			"error", err,
		)
		return
	}
	reg, ok := d.registry.HandlerFor(env.Topic, ep)
	if !ok {
		d.logger.Warn("no handler for topic",
			"endpoint", ep.Name(),
			"topic", env.Topic,
		)
		return
	}
	msg := &contracts.Message{
		Topic:         env.Topic,
		CorrelationID: env.CorrelationID,
		Payload:       env.Payload,
		Text:          ep.Mode() == transport.Text,
		Peer:          delivery.Peer,
	}
	result, err := d.invoke(ctx, reg.Handler, msg)
	if err != nil {
		// No response is sent for a failed handler; a requester on a
		// reply endpoint observes this as a timeout.
		d.logger.Error("handler failed",
			"endpoint", ep.Name(),
			"topic", env.Topic,
			"correlationId", env.CorrelationID,
			"error", err,
		)
		return
	}
	switch ep.Pattern() {
	case transport.Rep, transport.Router:
		frames, err := contracts.EncodeFrames(env.Topic, result, env.CorrelationID)
		if err != nil {
			d.logger.Error("response payload not encodable",
				"endpoint", ep.Name(),
				"topic", env.Topic,
				"error", err,
			)
			return
		}
		if err := ep.Send(ctx, frames, delivery.Peer); err != nil {
			d.logger.Error("response send failed",
				"endpoint", ep.Name(),
				"topic", env.Topic,
				"error", err,
			)
		}
	}
}

// invoke runs the handler with panic containment at the dispatch
// boundary.
func (d *Dispatcher) invoke(ctx context.Context, h contracts.Handler, msg *contracts.Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, msg)
}

// Loop drives the dispatchable endpoints of a node. Run blocks until
// Stop is called, the context is done, or every endpoint has failed
// unrecoverably; there is no automatic restart.
type Loop interface {
	Run(ctx context.Context) error
	Stop()
}

type inbound struct {
	ep       transport.Endpoint
	delivery transport.Delivery
}

// SelectLoop is the cooperative strategy: per-endpoint receive pumps
// fan into one channel and a single goroutine dispatches sequentially,
// so no two handlers ever run concurrently. Dispatch order across ready
// endpoints follows arrival order, not a fixed priority.
type SelectLoop struct {
	dispatcher *Dispatcher
	endpoints  []transport.Endpoint
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewSelectLoop creates a cooperative loop over the given endpoints.
func NewSelectLoop(d *Dispatcher, endpoints []transport.Endpoint, logger *slog.Logger) *SelectLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &SelectLoop{
		dispatcher: d,
		endpoints:  endpoints,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Run implements Loop.
func (l *SelectLoop) Run(ctx context.Context) error {
	if len(l.endpoints) == 0 {
		return nil
	}
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ready := make(chan inbound)
	var wg sync.WaitGroup
	for _, ep := range l.endpoints {
		wg.Add(1)
		go func(ep transport.Endpoint) {
			defer wg.Done()
			pump(pumpCtx, ep, ready, l.logger)
		}(ep)
	}
	l.logger.Info("dispatch loop started", "strategy", "select", "endpoints", len(l.endpoints))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case in := <-ready:
			l.dispatcher.Dispatch(ctx, in.ep, in.delivery)
		case <-l.stop:
			cancel()
			<-done
			return nil
		case <-ctx.Done():
			<-done
			return ctx.Err()
		case <-done:
			// Every endpoint failed or closed.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
	}
}

// Stop implements Loop.
func (l *SelectLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// pump forwards deliveries from ep until the endpoint fails or the
// context is done.
func pump(ctx context.Context, ep transport.Endpoint, ready chan<- inbound, logger *slog.Logger) {
	for {
		delivery, err := ep.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, contracts.ErrEndpointClosed) {
				logger.Error("endpoint receive failed, leaving loop",
					"endpoint", ep.Name(),
					"error", err,
				)
			}
			return
		}
		select {
		case ready <- inbound{ep: ep, delivery: delivery}:
		case <-ctx.Done():
			return
		}
	}
}

// ThreadedLoop runs one goroutine per endpoint with blocking receives.
// Handlers for different endpoints run concurrently; the registry and
// correlator are safe to use from other goroutines issuing send or
// request calls at the same time.
type ThreadedLoop struct {
	dispatcher *Dispatcher
	endpoints  []transport.Endpoint
	logger     *slog.Logger
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewThreadedLoop creates a per-endpoint loop over the given endpoints.
func NewThreadedLoop(d *Dispatcher, endpoints []transport.Endpoint, logger *slog.Logger) *ThreadedLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadedLoop{
		dispatcher: d,
		endpoints:  endpoints,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Run implements Loop.
func (l *ThreadedLoop) Run(ctx context.Context) error {
	if len(l.endpoints) == 0 {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stop:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	var wg sync.WaitGroup
	for _, ep := range l.endpoints {
		wg.Add(1)
		go func(ep transport.Endpoint) {
			defer wg.Done()
			for {
				delivery, err := ep.Recv(loopCtx)
				if err != nil {
					if loopCtx.Err() == nil && !errors.Is(err, contracts.ErrEndpointClosed) {
						l.logger.Error("endpoint receive failed, leaving loop",
							"endpoint", ep.Name(),
							"error", err,
						)
					}
					return
				}
				l.dispatcher.Dispatch(loopCtx, ep, delivery)
			}
		}(ep)
	}
	l.logger.Info("dispatch loop started", "strategy", "threaded", "endpoints", len(l.endpoints))
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Stop implements Loop.
func (l *ThreadedLoop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}
