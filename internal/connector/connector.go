// Package connector is the client side of one network connection: it dials,
// performs the hello exchange, dispatches received frames to registered
// handlers, and correlates system requests with their responses.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/message"
	"github.com/agentmesh/agentmesh/internal/transport"
)

// Connection timeouts. The hello exchange is bounded tighter than ordinary
// dials; system requests wait longer because the server may be busy.
const (
	handshakeTimeout     = 5 * time.Second
	systemRequestTimeout = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrRejected     = errors.New("hello rejected")

	// ErrConnectionLost resolves pending system requests when the
	// connection drops underneath them.
	ErrConnectionLost = errors.New(transport.CodeConnectionLost)
)

// FrameHandler observes received frames of one type.
type FrameHandler func(f *transport.Frame)

// SystemHandler observes server-initiated system requests by command.
type SystemHandler func(req *transport.SystemRequest)

// Connector owns one client connection to a network node.
type Connector struct {
	tr  transport.Transport
	log *slog.Logger

	mu        sync.Mutex
	connID    string
	agentID   string
	connected bool
	cert      *identity.Certificate

	frameHandlers  map[transport.FrameType][]FrameHandler
	systemHandlers map[string][]SystemHandler
	onEstablished  []func()
	onClosed       []func(reason string)
	pending        map[string]chan *transport.SystemResponse

	watchOnce sync.Once
}

// New creates a connector with its own websocket transport.
func New(opts transport.Options, log *slog.Logger) *Connector {
	return &Connector{
		tr:             transport.NewWebSocket(opts, log),
		log:            log.With("component", "connector"),
		frameHandlers:  make(map[transport.FrameType][]FrameHandler),
		systemHandlers: make(map[string][]SystemHandler),
		pending:        make(map[string]chan *transport.SystemResponse),
	}
}

// SetCertificate caches a certificate to present on the next Connect.
func (c *Connector) SetCertificate(cert *identity.Certificate) {
	c.mu.Lock()
	c.cert = cert
	c.mu.Unlock()
}

// Certificate returns the cached certificate, usually the one issued at
// admission.
func (c *Connector) Certificate() *identity.Certificate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cert
}

// AgentID returns the identity this connector connected under.
func (c *Connector) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

// Connected reports whether the connection is up.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// RegisterMessageHandler subscribes to received frames of one type.
func (c *Connector) RegisterMessageHandler(t transport.FrameType, h FrameHandler) {
	c.mu.Lock()
	c.frameHandlers[t] = append(c.frameHandlers[t], h)
	c.mu.Unlock()
}

// RegisterSystemHandler subscribes to server-initiated system requests.
func (c *Connector) RegisterSystemHandler(command string, h SystemHandler) {
	c.mu.Lock()
	c.systemHandlers[command] = append(c.systemHandlers[command], h)
	c.mu.Unlock()
}

// OnConnectionEstablished registers a callback fired after a successful
// hello exchange.
func (c *Connector) OnConnectionEstablished(fn func()) {
	c.mu.Lock()
	c.onEstablished = append(c.onEstablished, fn)
	c.mu.Unlock()
}

// OnConnectionClosed registers a callback fired when the connection drops,
// locally or remotely.
func (c *Connector) OnConnectionClosed(fn func(reason string)) {
	c.mu.Lock()
	c.onClosed = append(c.onClosed, fn)
	c.mu.Unlock()
}

// Connect dials addr and performs the hello exchange under the handshake
// timeout. The cached certificate, if any, rides in the hello.
func (c *Connector) Connect(ctx context.Context, addr, agentID string, metadata map[string]any) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	cert := c.cert
	c.mu.Unlock()

	c.watchOnce.Do(func() {
		c.tr.Subscribe(c.dispatch)
		go c.watchEvents()
	})

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	connID, ack, err := c.tr.Dial(hctx, addr, &transport.Hello{
		AgentID:     agentID,
		Metadata:    metadata,
		Certificate: cert,
	})
	if err != nil {
		return fmt.Errorf("connect %s: %w", addr, err)
	}
	if !ack.Accepted {
		return fmt.Errorf("%w: %s", ErrRejected, ack.Reason)
	}

	c.mu.Lock()
	c.connID = connID
	c.agentID = agentID
	c.connected = true
	if ack.Certificate != nil {
		c.cert = ack.Certificate
	}
	established := append([]func(){}, c.onEstablished...)
	c.mu.Unlock()

	c.log.Info("connected", "agent", agentID, "addr", addr)
	for _, fn := range established {
		fn()
	}
	return nil
}

// Send writes one frame. No retries; sends fail fast once disconnected.
func (c *Connector) Send(f *transport.Frame) error {
	c.mu.Lock()
	connID, up := c.connID, c.connected
	c.mu.Unlock()
	if !up {
		return ErrNotConnected
	}
	return c.tr.Send(connID, f)
}

// SendEnvelope wraps the envelope in a message frame and sends it.
func (c *Connector) SendEnvelope(env *message.Envelope) error {
	f, err := transport.MessageFrame(env)
	if err != nil {
		return err
	}
	return c.Send(f)
}

// SystemRequest issues a system request and waits for the correlated
// response. The pending entry is registered before the send so a fast
// responder cannot race the wait.
func (c *Connector) SystemRequest(ctx context.Context, command string, args map[string]any) (*transport.SystemResponse, error) {
	correlationID := uuid.NewString()
	ch := make(chan *transport.SystemResponse, 1)
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[correlationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	f, err := transport.NewFrame(transport.FrameSystemRequest, transport.SystemRequest{
		Command: command,
		Args:    args,
	})
	if err != nil {
		return nil, err
	}
	f.CorrelationID = correlationID
	if err := c.Send(f); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if !resp.OK && resp.Error == transport.CodeConnectionLost {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(systemRequestTimeout):
		return nil, fmt.Errorf("system request %s timed out", command)
	}
}

// ClaimAgentID asks the server to claim an identity and returns the issued
// certificate.
func (c *Connector) ClaimAgentID(ctx context.Context, agentID string) (*identity.Certificate, error) {
	resp, err := c.SystemRequest(ctx, "claim_agent_id", map[string]any{"agent_id": agentID})
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("claim %s: %s", agentID, resp.Error)
	}
	cert, err := identity.ParseCertificate(resp.Data)
	if err != nil {
		return nil, err
	}
	return cert, nil
}

// Disconnect closes the connection. The connected flag flips before the
// transport close is even requested, so sends fail fast from the moment
// Disconnect returns rather than when the close event lands. Safe to call
// repeatedly.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	connID := c.connID
	c.connected = false
	pending := c.pending
	c.pending = make(map[string]chan *transport.SystemResponse)
	closed := append([]func(string){}, c.onClosed...)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- &transport.SystemResponse{OK: false, Error: transport.CodeConnectionLost}
	}
	if err := c.tr.Close(connID, "client disconnect"); err != nil {
		c.log.Debug("close failed", "error", err)
	}
	for _, fn := range closed {
		fn("client disconnect")
	}
}

// Shutdown tears the transport down entirely.
func (c *Connector) Shutdown(ctx context.Context) error {
	c.Disconnect()
	return c.tr.Shutdown(ctx)
}

// dispatch fans a received frame out to the registered handlers. It runs on
// the transport's reader goroutine, so handlers for one connection are
// invoked serially in arrival order.
func (c *Connector) dispatch(_ string, f *transport.Frame) {
	if f.Type == transport.FrameSystemResponse && f.CorrelationID != "" {
		if c.resolvePending(f) {
			return
		}
	}
	if f.Type == transport.FrameSystemRequest {
		var req transport.SystemRequest
		if err := f.DecodeBody(&req); err == nil {
			c.mu.Lock()
			handlers := append([]SystemHandler{}, c.systemHandlers[req.Command]...)
			c.mu.Unlock()
			for _, h := range handlers {
				h(&req)
			}
		}
	}

	c.mu.Lock()
	handlers := append([]FrameHandler{}, c.frameHandlers[f.Type]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(f)
	}
}

func (c *Connector) resolvePending(f *transport.Frame) bool {
	var resp transport.SystemResponse
	if err := f.DecodeBody(&resp); err != nil {
		return false
	}
	c.mu.Lock()
	ch, ok := c.pending[f.CorrelationID]
	if ok {
		delete(c.pending, f.CorrelationID)
	}
	c.mu.Unlock()
	if ok {
		ch <- &resp
	}
	return ok
}

// watchEvents mirrors transport connection state: on close, flip the
// connected flag, fail pending requests, and fire the closed handlers.
func (c *Connector) watchEvents() {
	for evt := range c.tr.Events() {
		if evt.State != transport.StateClosed {
			continue
		}
		c.mu.Lock()
		if evt.ConnectionID != c.connID || !c.connected {
			c.mu.Unlock()
			continue
		}
		c.connected = false
		pending := c.pending
		c.pending = make(map[string]chan *transport.SystemResponse)
		closed := append([]func(string){}, c.onClosed...)
		c.mu.Unlock()

		for _, ch := range pending {
			ch <- &transport.SystemResponse{OK: false, Error: transport.CodeConnectionLost}
		}
		c.log.Info("connection closed", "reason", evt.Reason)
		for _, fn := range closed {
			fn(evt.Reason)
		}
	}
}
