// Package transport defines the capability surface the tubes core
// consumes from a concrete transport: endpoint construction, multipart
// send/receive and teardown. Implementations live under transports/.
package transport

import (
	"context"
	"fmt"
	"strings"
)

// Pattern is the messaging pattern an endpoint implements.
type Pattern uint8

const (
	Pub Pattern = iota + 1
	Sub
	Req
	Rep
	Router
	Dealer
	Pair
)

var patternNames = map[Pattern]string{
	Pub:    "pub",
	Sub:    "sub",
	Req:    "req",
	Rep:    "rep",
	Router: "router",
	Dealer: "dealer",
	Pair:   "pair",
}

// String returns the lowercase pattern name.
func (p Pattern) String() string {
	if s, ok := patternNames[p]; ok {
		return s
	}
	return fmt.Sprintf("pattern(%d)", uint8(p))
}

// ParsePattern parses a pattern name, case-insensitively.
func ParsePattern(s string) (Pattern, error) {
	for p, name := range patternNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown messaging pattern %q", s)
}

// FrameCount is the envelope frame count the pattern carries on the
// wire: [topic][payload] for publish-style traffic,
// [topic][correlation_id][payload] for request-style traffic. The
// router identity frame is not counted; adapters strip it into
// Delivery.Peer before the envelope is decoded.
func (p Pattern) FrameCount() int {
	switch p {
	case Req, Rep, Router, Dealer:
		return 3
	default:
		return 2
	}
}

// NeedsDispatch reports whether endpoints of this pattern receive
// unsolicited inbound traffic and therefore must be driven by the
// dispatch loop. Req endpoints are excluded: they are drained by the
// request call that is awaiting a response.
func (p Pattern) NeedsDispatch() bool {
	switch p {
	case Sub, Rep, Router, Dealer, Pair:
		return true
	default:
		return false
	}
}

// Role says whether an endpoint binds (Server) or connects (Client).
type Role uint8

const (
	Server Role = iota + 1
	Client
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case Server:
		return "server"
	case Client:
		return "client"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "server":
		return Server, nil
	case "client":
		return Client, nil
	default:
		return 0, fmt.Errorf("unknown endpoint role %q", s)
	}
}

// Mode controls payload decoding on receive.
type Mode uint8

const (
	// Text decodes payloads as UTF-8 text. The default.
	Text Mode = iota
	// Raw hands payloads through as bytes.
	Raw
)

// String returns the mode name.
func (m Mode) String() string {
	if m == Raw {
		return "raw"
	}
	return "text"
}

// ParseMode parses a decoding mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return Text, nil
	case "raw", "bytes":
		return Raw, nil
	default:
		return 0, fmt.Errorf("unknown decoding mode %q", s)
	}
}

// Delivery is one received multipart message. Peer is the opaque peer
// identity for router endpoints, nil for every other pattern.
type Delivery struct {
	Frames [][]byte
	Peer   []byte
}

// Endpoint is a bound or connected transport handle. An endpoint is
// owned by exactly one registry and closed exactly once at node
// teardown.
type Endpoint interface {
	// Name returns the endpoint's logical name, used for diagnostics
	// and lookup.
	Name() string

	// Pattern returns the messaging pattern.
	Pattern() Pattern

	// Role returns whether the endpoint binds or connects.
	Role() Role

	// Mode returns the payload decoding mode.
	Mode() Mode

	// Send writes one multipart message. peer is the destination peer
	// identity for router endpoints and must be nil otherwise.
	Send(ctx context.Context, frames [][]byte, peer []byte) error

	// Recv blocks until a message is available or ctx is done.
	Recv(ctx context.Context) (Delivery, error)

	// Close releases the endpoint. Safe to call more than once.
	Close() error
}

// Config declares an endpoint to a Provider.
type Config struct {
	Name    string
	Addr    string
	Pattern Pattern
	Role    Role
	Mode    Mode
	// Topics are the topic patterns the endpoint serves. The provider
	// does not interpret them; they are registered with the node's
	// registry by the caller (or the schema loader).
	Topics []string
}

// Provider creates endpoints over one transport context. A provider is
// constructed once per process and passed to every node; it outlives
// all endpoints it created, and endpoints close before provider
// teardown.
type Provider interface {
	NewEndpoint(cfg Config) (Endpoint, error)
	Close() error
}
