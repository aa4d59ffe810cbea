package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentmesh/agentmesh/internal/clock"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/secure"
)

// sendBufferSize is the channel buffer for outbound frames per connection.
// Large enough to absorb short bursts without blocking the router, but small
// enough that a truly stalled peer gets dropped rather than consuming memory.
const sendBufferSize = 64

// eventBufferSize buffers connection transitions for the single consumer.
const eventBufferSize = 256

// writeTimeout bounds a single websocket write.
const writeTimeout = 10 * time.Second

// wsPath is the HTTP upgrade endpoint.
const wsPath = "/ws"

// sealedBody wraps an encrypted frame body once a session is established.
type sealedBody struct {
	Sealed string `json:"sealed"`
}

// WebSocket implements Transport over gorilla/websocket: an HTTP upgrade
// endpoint in server mode, plus outbound dialing. One reader and one writer
// goroutine per connection; frames from a connection are dispatched serially
// on its reader.
type WebSocket struct {
	opts Options
	log  *slog.Logger
	clk  clock.Clock

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	listener net.Listener

	mu       sync.RWMutex
	conns    map[string]*wsConn
	handlers []Handler
	down     bool

	events chan Event
	wg     sync.WaitGroup
}

// wsConn tracks one active connection.
type wsConn struct {
	id     string
	sock   *websocket.Conn
	send   chan *Frame
	cancel context.CancelFunc

	mu           sync.Mutex
	state        ConnState
	agentID      string
	lastActivity time.Time
	closeReason  string
	sendClosed   bool

	// Encryption session state. keys is this side's ephemeral pair;
	// remoteKey is the peer's public key learned from hello metadata.
	keys      *secure.KeyPair
	remoteKey string
	session   *secure.Session
}

// NewWebSocket creates a websocket transport. Call Listen for server mode
// or Dial for client mode (or both, on a decentralized node).
func NewWebSocket(opts Options, log *slog.Logger) *WebSocket {
	return &WebSocket{
		opts:   opts.withDefaults(),
		log:    log.With("component", "ws-transport"),
		clk:    clock.Real{},
		conns:  make(map[string]*wsConn),
		events: make(chan Event, eventBufferSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; no origin policy applies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Listen binds the configured address and accepts upgrades until ctx is
// cancelled.
func (t *WebSocket) Listen(ctx context.Context) error {
	lis, err := net.Listen("tcp", t.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.opts.ListenAddr, err)
	}
	t.listener = lis

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, func(w http.ResponseWriter, r *http.Request) {
		t.handleUpgrade(ctx, w, r)
	})
	t.httpSrv = &http.Server{Handler: mux}

	t.log.Info("websocket transport listening", "addr", lis.Addr().String())

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		if err := t.httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("websocket server exited", "error", err)
		}
	}()
	go func() {
		defer t.wg.Done()
		t.evictIdle(ctx)
	}()
	return nil
}

// Addr returns the bound listen address.
func (t *WebSocket) Addr() string {
	if t.listener == nil {
		return t.opts.ListenAddr
	}
	return t.listener.Addr().String()
}

func (t *WebSocket) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	t.mu.RLock()
	full := len(t.conns) >= t.opts.MaxConnections
	down := t.down
	t.mu.RUnlock()
	if down {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if full {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	sock, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	t.startConn(ctx, sock, StatePending)
}

// startConn registers a socket and spawns its reader and writer.
func (t *WebSocket) startConn(ctx context.Context, sock *websocket.Conn, state ConnState) *wsConn {
	cctx, cancel := context.WithCancel(ctx)
	c := &wsConn{
		id:           uuid.NewString(),
		sock:         sock,
		send:         make(chan *Frame, sendBufferSize),
		cancel:       cancel,
		state:        state,
		lastActivity: t.clk.Now(),
	}

	t.mu.Lock()
	t.conns[c.id] = c
	t.mu.Unlock()
	metrics.ConnectionsOpen.Inc()

	t.publishEvent(Event{ConnectionID: c.id, State: state})

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.writeLoop(cctx, c)
	}()
	go func() {
		defer t.wg.Done()
		t.readLoop(cctx, c)
	}()
	return c
}

// ---------------------------------------------------------------------------
// Per-connection loops
// ---------------------------------------------------------------------------

// readLoop reads frames until the connection dies. It owns connection
// teardown: any exit removes the connection and emits a closed event.
func (t *WebSocket) readLoop(ctx context.Context, c *wsConn) {
	defer func() {
		reason := c.closeReasonLocked()
		if reason == "" {
			reason = "connection closed"
		}
		t.removeConn(c, reason)
	}()

	for {
		_ = c.sock.SetReadDeadline(t.clk.Now().Add(t.opts.AgentTimeout))
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Debug("read failed", "conn", c.id, "error", err)
			}
			return
		}
		c.touch(t.clk.Now())

		f, err := DecodeFrame(data)
		if err != nil {
			// Malformed frame is a transport error: close the connection.
			t.log.Warn("malformed frame", "conn", c.id, "error", err)
			metrics.FrameErrors.Inc()
			c.setCloseReason("malformed frame")
			return
		}
		metrics.FramesReceived.WithLabelValues(string(f.Type)).Inc()

		switch f.Type {
		case FramePing:
			pong, _ := NewFrame(FramePong, nil)
			_ = t.Send(c.id, pong)
			continue
		case FramePong:
			continue
		case FrameHello:
			// Capture the initiator's session key before admission so the
			// hello_ack writer can complete the agreement.
			if t.opts.EncryptionEnabled {
				var hello Hello
				if err := f.DecodeBody(&hello); err == nil {
					if pk, ok := hello.Metadata["session_key"].(string); ok {
						c.mu.Lock()
						c.remoteKey = pk
						c.mu.Unlock()
					}
				}
			}
		case FrameMessage:
			body, err := c.maybeOpen(f.Body)
			if err != nil {
				t.log.Warn("unsealing failed", "conn", c.id, "error", err)
				c.setCloseReason("undecryptable frame")
				return
			}
			f.Body = body
			// The transport verifies that message bodies parse as envelopes.
			// A structurally bad envelope is answered in place and never
			// reaches the handlers; the connection stays open.
			if _, err := f.Envelope(); err != nil {
				metrics.MessagesDropped.WithLabelValues("invalid").Inc()
				_ = t.Send(c.id, ErrorFrame(CodeBadEnvelope, err.Error(), f.CorrelationID))
				continue
			}
		}

		t.dispatch(c.id, f)
	}
}

// writeLoop drains the send channel, sealing bodies once a session exists,
// and emits keepalive pings. It exits when the channel is closed (flush
// semantics for graceful close) or the context is cancelled.
func (t *WebSocket) writeLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ping, _ := NewFrame(FramePing, nil)
			if err := t.writeFrame(c, ping); err != nil {
				c.cancel()
				return
			}
		case f, ok := <-c.send:
			if !ok {
				// Graceful close: everything queued before Close has been
				// flushed.
				deadline := t.clk.Now().Add(writeTimeout)
				_ = c.sock.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				c.cancel()
				return
			}
			if err := t.writeFrame(c, f); err != nil {
				t.log.Warn("write failed", "conn", c.id, "error", err)
				c.cancel()
				return
			}
		}
	}
}

func (t *WebSocket) writeFrame(c *wsConn, f *Frame) error {
	out := f

	// Server side of the key agreement: the hello_ack carries our public
	// key, and the session is live for every frame after it.
	if f.Type == FrameHelloAck && t.opts.EncryptionEnabled {
		if injected, err := c.establishAsResponder(f); err != nil {
			t.log.Warn("session setup failed, continuing in plaintext", "conn", c.id, "error", err)
		} else if injected != nil {
			out = injected
		}
	}

	if f.Type == FrameMessage {
		sealed, err := c.maybeSeal(f)
		if err != nil {
			return err
		}
		out = sealed
	}

	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	_ = c.sock.SetWriteDeadline(t.clk.Now().Add(writeTimeout))
	return c.sock.WriteMessage(websocket.TextMessage, data)
}

// dispatch invokes the subscribed handlers in registration order.
func (t *WebSocket) dispatch(connID string, f *Frame) {
	t.mu.RLock()
	handlers := make([]Handler, len(t.handlers))
	copy(handlers, t.handlers)
	t.mu.RUnlock()

	for _, h := range handlers {
		h(connID, f)
	}
}

// evictIdle drops connections whose peers have gone silent.
func (t *WebSocket) evictIdle(ctx context.Context) {
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := t.clk.Now()
			t.mu.RLock()
			var idle []*wsConn
			for _, c := range t.conns {
				c.mu.Lock()
				silent := now.Sub(c.lastActivity) > t.opts.AgentTimeout
				c.mu.Unlock()
				if silent {
					idle = append(idle, c)
				}
			}
			t.mu.RUnlock()

			for _, c := range idle {
				t.log.Info("evicting silent connection", "conn", c.id, "agent", c.agentIDLocked())
				metrics.EvictionsTotal.Inc()
				_ = t.Close(c.id, "agent timeout")
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Transport interface
// ---------------------------------------------------------------------------

// Dial connects to addr, performs the hello exchange, and returns the new
// connection ID and the peer's hello_ack. On a rejected hello the ack is
// returned with an empty connection ID and the socket is closed.
func (t *WebSocket) Dial(ctx context.Context, addr string, hello *Hello) (string, *HelloAck, error) {
	url := addr
	if !strings.Contains(url, "://") {
		url = "ws://" + url
	}
	if !strings.HasSuffix(url, wsPath) {
		url = strings.TrimRight(url, "/") + wsPath
	}

	var keys *secure.KeyPair
	if t.opts.EncryptionEnabled {
		kp, err := secure.NewKeyPair()
		if err != nil {
			return "", nil, err
		}
		keys = kp
		if hello.Metadata == nil {
			hello.Metadata = make(map[string]any)
		}
		hello.Metadata["session_key"] = kp.PublicKey()
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.opts.ConnectionTimeout}
	sock, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("dial %s: %w", url, err)
	}

	hf, err := NewFrame(FrameHello, hello)
	if err != nil {
		sock.Close()
		return "", nil, err
	}
	_ = sock.SetWriteDeadline(t.clk.Now().Add(writeTimeout))
	if err := sock.WriteJSON(hf); err != nil {
		sock.Close()
		return "", nil, fmt.Errorf("send hello: %w", err)
	}

	ack, err := t.awaitHelloAck(ctx, sock)
	if err != nil {
		sock.Close()
		return "", nil, err
	}
	if !ack.Accepted {
		sock.Close()
		return "", ack, nil
	}

	// The connection outlives the dial: its pumps stop on Close/Shutdown,
	// not when the caller's handshake context is released.
	c := t.startConn(context.WithoutCancel(ctx), sock, StateConnected)
	c.mu.Lock()
	c.keys = keys
	c.mu.Unlock()
	if t.opts.EncryptionEnabled && ack.SessionKey != "" {
		sess, err := secure.Establish(keys, ack.SessionKey)
		if err != nil {
			_ = t.Close(c.id, "session setup failed")
			return "", nil, err
		}
		c.mu.Lock()
		c.session = sess
		c.mu.Unlock()
	}
	return c.id, ack, nil
}

// awaitHelloAck reads frames until a hello_ack arrives, tolerating
// keepalives, bounded by the handshake timeout.
func (t *WebSocket) awaitHelloAck(ctx context.Context, sock *websocket.Conn) (*HelloAck, error) {
	deadline := t.clk.Now().Add(t.opts.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		_ = sock.SetReadDeadline(deadline)
		_, data, err := sock.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("await hello_ack: %w", err)
		}
		f, err := DecodeFrame(data)
		if err != nil {
			return nil, fmt.Errorf("await hello_ack: %w", err)
		}
		switch f.Type {
		case FrameHelloAck:
			var ack HelloAck
			if err := f.DecodeBody(&ack); err != nil {
				return nil, fmt.Errorf("parse hello_ack: %w", err)
			}
			return &ack, nil
		case FramePing, FramePong:
			continue
		case FrameError:
			var eb ErrorBody
			_ = f.DecodeBody(&eb)
			return nil, fmt.Errorf("handshake rejected: %s: %s", eb.Code, eb.Message)
		default:
			return nil, fmt.Errorf("unexpected %s frame during handshake", f.Type)
		}
	}
}

// Send enqueues a frame for one connection. Non-blocking: a full buffer
// means the peer is not consuming fast enough and the caller gets an error
// rather than a stalled router.
func (t *WebSocket) Send(connID string, f *Frame) error {
	t.mu.RLock()
	c, ok := t.conns[connID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnNotFound, connID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendClosed || c.state == StateClosed {
		return fmt.Errorf("%w: %s", ErrConnNotFound, connID)
	}
	select {
	case c.send <- f:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrSendBufferFull, connID)
	}
}

// Broadcast fans a frame out to every admitted connection except one.
// Per-connection writers keep each stream FIFO while the fanout itself is
// concurrent.
func (t *WebSocket) Broadcast(f *Frame, exceptConnID string) error {
	t.mu.RLock()
	targets := make([]*wsConn, 0, len(t.conns))
	for id, c := range t.conns {
		if id == exceptConnID {
			continue
		}
		c.mu.Lock()
		admitted := c.state == StateConnected && c.agentID != ""
		c.mu.Unlock()
		if admitted {
			targets = append(targets, c)
		}
	}
	t.mu.RUnlock()

	for _, c := range targets {
		if err := t.Send(c.id, f); err != nil {
			t.log.Warn("broadcast send failed", "conn", c.id, "error", err)
		}
	}
	return nil
}

// Subscribe registers a frame handler. Handlers run on reader goroutines.
func (t *WebSocket) Subscribe(h Handler) {
	t.mu.Lock()
	t.handlers = append(t.handlers, h)
	t.mu.Unlock()
}

// Events returns the connection transition stream.
func (t *WebSocket) Events() <-chan Event {
	return t.events
}

// SetAgentID marks a connection as identified and admitted.
func (t *WebSocket) SetAgentID(connID, agentID string) {
	t.mu.RLock()
	c, ok := t.conns[connID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.agentID = agentID
	if c.state == StatePending {
		c.state = StateConnected
	}
	c.mu.Unlock()
	t.publishEvent(Event{ConnectionID: connID, AgentID: agentID, State: StateConnected})
}

// AgentID returns the identified agent behind a connection.
func (t *WebSocket) AgentID(connID string) (string, bool) {
	t.mu.RLock()
	c, ok := t.conns[connID]
	t.mu.RUnlock()
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.agentID == "" {
		return "", false
	}
	return c.agentID, true
}

// Close flushes queued frames and terminates the connection.
func (t *WebSocket) Close(connID, reason string) error {
	t.mu.RLock()
	c, ok := t.conns[connID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrConnNotFound, connID)
	}

	c.mu.Lock()
	if c.sendClosed {
		c.mu.Unlock()
		return nil
	}
	c.sendClosed = true
	c.state = StateClosing
	c.closeReason = reason
	close(c.send)
	c.mu.Unlock()
	return nil
}

// Shutdown closes every connection and stops the listener.
func (t *WebSocket) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.down = true
	conns := make([]*wsConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = t.Close(c.id, "transport shutdown")
	}
	if t.httpSrv != nil {
		_ = t.httpSrv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// removeConn finalizes a dead connection and emits the closed event.
func (t *WebSocket) removeConn(c *wsConn, reason string) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	if c.closeReason != "" {
		reason = c.closeReason
	}
	agentID := c.agentID
	c.mu.Unlock()

	c.cancel()
	_ = c.sock.Close()

	t.mu.Lock()
	delete(t.conns, c.id)
	t.mu.Unlock()
	metrics.ConnectionsOpen.Dec()

	t.publishEvent(Event{ConnectionID: c.id, AgentID: agentID, State: StateClosed, Reason: reason})
}

// publishEvent is non-blocking; if the consumer has fallen far behind, the
// transition is dropped rather than stalling a reader.
func (t *WebSocket) publishEvent(evt Event) {
	select {
	case t.events <- evt:
	default:
		t.log.Warn("event buffer full, dropping transition", "conn", evt.ConnectionID, "state", string(evt.State))
	}
}

func (c *wsConn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *wsConn) agentIDLocked() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *wsConn) closeReasonLocked() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

func (c *wsConn) setCloseReason(reason string) {
	c.mu.Lock()
	if c.closeReason == "" {
		c.closeReason = reason
	}
	c.mu.Unlock()
}

// establishAsResponder completes the key agreement on the server side of a
// hello exchange. It returns a copy of the hello_ack with our public key
// injected, or (nil, nil) when the peer did not offer a key.
func (c *wsConn) establishAsResponder(f *Frame) (*Frame, error) {
	c.mu.Lock()
	remote := c.remoteKey
	already := c.session != nil
	c.mu.Unlock()
	if remote == "" || already {
		return nil, nil
	}

	kp, err := secure.NewKeyPair()
	if err != nil {
		return nil, err
	}
	sess, err := secure.Establish(kp, remote)
	if err != nil {
		return nil, err
	}

	var ack HelloAck
	if err := f.DecodeBody(&ack); err != nil {
		return nil, err
	}
	ack.SessionKey = kp.PublicKey()
	out, err := NewFrame(FrameHelloAck, ack)
	if err != nil {
		return nil, err
	}
	out.CorrelationID = f.CorrelationID

	// Only a positive admission starts the session; a rejected peer never
	// gets an encrypted channel.
	if ack.Accepted {
		c.mu.Lock()
		c.keys = kp
		c.session = sess
		c.mu.Unlock()
	}
	return out, nil
}

// maybeSeal encrypts a message frame body when a session is live.
func (c *wsConn) maybeSeal(f *Frame) (*Frame, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return f, nil
	}
	sealed, err := sess.Seal(f.Body)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(sealedBody{Sealed: sealed})
	if err != nil {
		return nil, err
	}
	return &Frame{Type: f.Type, CorrelationID: f.CorrelationID, Body: body}, nil
}

// maybeOpen decrypts a message frame body when a session is live and the
// body is sealed. Plaintext bodies pass through so the handshake tail and
// unencrypted peers keep working.
func (c *wsConn) maybeOpen(body json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return body, nil
	}
	var sb sealedBody
	if err := json.Unmarshal(body, &sb); err != nil || sb.Sealed == "" {
		return body, nil
	}
	opened, err := sess.Open(sb.Sealed)
	if err != nil {
		return nil, err
	}
	return opened, nil
}

// Compile-time interface check.
var _ Transport = (*WebSocket)(nil)
