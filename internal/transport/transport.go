// Package transport carries framed messages between peers over a
// stream-oriented, order-preserving connection. The core implementation is
// WebSocket; the interface leaves room for other stream transports.
package transport

import (
	"context"
	"errors"
	"time"
)

// Connection lifecycle states.
type ConnState string

const (
	StatePending   ConnState = "pending" // accepted, hello not yet admitted
	StateConnected ConnState = "connected"
	StateClosing   ConnState = "closing"
	StateClosed    ConnState = "closed"
)

// Errors returned by transport operations.
var (
	ErrConnNotFound   = errors.New("connection not found")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrShutdown       = errors.New("transport is shut down")
)

// Event records a connection state transition.
type Event struct {
	ConnectionID string
	AgentID      string // empty until the peer is identified
	State        ConnState
	Reason       string
}

// Handler is invoked for each received frame, on the reader goroutine of
// the originating connection. Frames from one connection are therefore
// processed serially, preserving ingress order.
type Handler func(connID string, f *Frame)

// Transport is the capability set the core requires of a peer transport.
type Transport interface {
	// Listen accepts inbound connections until ctx is cancelled (server
	// mode). It returns once the listener is bound; accept failures are
	// reported through Events.
	Listen(ctx context.Context) error

	// Dial opens a connection to addr, performs the hello exchange, and
	// returns the connection ID and the peer's hello_ack.
	Dial(ctx context.Context, addr string, hello *Hello) (string, *HelloAck, error)

	// Send writes one frame to a connection. No retries; the caller decides.
	Send(connID string, f *Frame) error

	// Broadcast fans a frame out to every connected (admitted) peer,
	// optionally excluding one connection.
	Broadcast(f *Frame, exceptConnID string) error

	// Subscribe registers a handler invoked for each received frame.
	Subscribe(h Handler)

	// Events exposes the stream of connection transitions.
	Events() <-chan Event

	// SetAgentID records the identified agent behind a connection and
	// moves it from pending to connected.
	SetAgentID(connID, agentID string)

	// AgentID returns the identified agent behind a connection.
	AgentID(connID string) (string, bool)

	// Close terminates one connection with a reason.
	Close(connID, reason string) error

	// Addr returns the bound listen address, once Listen has returned.
	Addr() string

	// Shutdown closes all connections and stops the listener.
	Shutdown(ctx context.Context) error
}

// Options configures a transport instance. Zero values fall back to the
// documented defaults.
type Options struct {
	ListenAddr        string
	HeartbeatInterval time.Duration // ping cadence, default 30s
	AgentTimeout      time.Duration // idle eviction, default 60s
	ConnectionTimeout time.Duration // dial/handshake bound, default 30s
	MaxConnections    int
	EncryptionEnabled bool
	EncryptionType    string // informational
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.AgentTimeout <= 0 {
		out.AgentTimeout = 60 * time.Second
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = 30 * time.Second
	}
	if out.MaxConnections <= 0 {
		out.MaxConnections = 1024
	}
	return out
}
