package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/glimte/tubes-go/contracts"
	"github.com/glimte/tubes-go/transport"
)

const (
	// DefaultCacheSize bounds the out-of-order response cache. Insertion
	// beyond the limit evicts the least recently inserted entry.
	DefaultCacheSize = 128

	// DefaultCacheTTL is how long an unclaimed response stays
	// retrievable, independent of any request's timeout.
	DefaultCacheTTL = 60 * time.Second

	// recvSlice bounds one wait on the endpoint inside Await so the
	// cache is rechecked periodically while the timeout runs down.
	recvSlice = time.Second
)

type correlationKey struct {
	topic string
	id    string
}

// Correlator issues correlation ids, pairs in-flight requests with
// their responses and keeps a bounded, time-limited cache of responses
// that arrived while no request was waiting for them. Responses to
// concurrent requests sharing one endpoint can interleave; the cache
// lets a late response satisfy whichever logical request it belongs to
// instead of being dropped or misdelivered. Safe for concurrent use.
type Correlator struct {
	cache  *expirable.LRU[correlationKey, []byte]
	logger *slog.Logger
}

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(*correlatorConfig)

type correlatorConfig struct {
	size   int
	ttl    time.Duration
	logger *slog.Logger
}

// WithCacheSize sets the maximum number of cached responses.
func WithCacheSize(size int) CorrelatorOption {
	return func(c *correlatorConfig) {
		c.size = size
	}
}

// WithCacheTTL sets the cache time-to-live.
func WithCacheTTL(ttl time.Duration) CorrelatorOption {
	return func(c *correlatorConfig) {
		c.ttl = ttl
	}
}

// WithCorrelatorLogger sets the logger.
func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *correlatorConfig) {
		c.logger = logger
	}
}

// NewCorrelator creates a correlator with the default cache bounds.
func NewCorrelator(options ...CorrelatorOption) *Correlator {
	cfg := &correlatorConfig{
		size:   DefaultCacheSize,
		ttl:    DefaultCacheTTL,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	return &Correlator{
		cache:  expirable.NewLRU[correlationKey, []byte](cfg.size, nil, cfg.ttl),
		logger: cfg.logger,
	}
}

// NextID returns a fresh correlation id.
func (c *Correlator) NextID() string {
	return uuid.NewString()
}

// Put caches a response that no request is currently waiting for.
func (c *Correlator) Put(topic, correlationID string, payload []byte) {
	c.cache.Add(correlationKey{topic: topic, id: correlationID}, payload)
	c.logger.Debug("cached stray response", "topic", topic, "correlationId", correlationID)
}

// Take removes and returns the cached response for (topic,
// correlationID), if one arrived within the TTL.
func (c *Correlator) Take(topic, correlationID string) ([]byte, bool) {
	key := correlationKey{topic: topic, id: correlationID}
	payload, ok := c.cache.Get(key)
	if ok {
		c.cache.Remove(key)
	}
	return payload, ok
}

// Await blocks until the response for (topic, correlationID) is
// available or timeout elapses. It alternates between checking the
// cache and waiting up to a bounded slice for a new message on ep;
// responses for other correlation ids are cached under their own key so
// their waiter can claim them. On timeout the error wraps
// contracts.ErrRequestTimeout and names the topic and elapsed time.
func (c *Correlator) Await(ctx context.Context, ep transport.Endpoint, topic, correlationID string, timeout time.Duration) ([]byte, error) {
	start := time.Now()
	deadline := start.Add(timeout)
	for {
		if payload, ok := c.Take(topic, correlationID); ok {
			return payload, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		slice := recvSlice
		if remaining < slice {
			slice = remaining
		}
		recvCtx, cancel := context.WithTimeout(ctx, slice)
		delivery, err := ep.Recv(recvCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("receive on %q failed: %w", ep.Name(), err)
		}
		env, err := contracts.DecodeFrames(delivery.Frames, ep.Pattern().FrameCount())
		if err != nil {
			c.logger.Warn("dropping malformed response",
				"endpoint", ep.Name(),
				"error", err,
			)
			continue
		}
		if env.Topic == topic && env.CorrelationID == correlationID {
			return env.Payload, nil
		}
		// Response for a different request on the same endpoint.
		c.Put(env.Topic, env.CorrelationID, env.Payload)
	}
	return nil, fmt.Errorf("%w: no answer for topic %q in %s",
		contracts.ErrRequestTimeout, topic, time.Since(start).Round(time.Millisecond))
}
