// Package network ties identity, transport, and topology into one service:
// it admits agents, runs the server-side mod pipelines, answers system
// requests, and keeps the directory in step with connection lifecycle.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/clock"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/message"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/mods"
	"github.com/agentmesh/agentmesh/internal/topology"
	"github.com/agentmesh/agentmesh/internal/transport"
)

// ErrNotStarted is returned by operations that need a running service.
var ErrNotStarted = errors.New("network service not started")

// nodePrefix marks node-to-node connections in decentralized mode; agents
// can never claim such an ID because it is not a bare identifier.
const nodePrefix = "node:"

// AgentSummary is one list_agents result entry.
type AgentSummary struct {
	AgentID      string         `json:"agent_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Connected    bool           `json:"connected"`
}

// Service owns one node of the mesh: its identity manager, transport,
// topology, mod registry, and maintenance jobs.
type Service struct {
	cfg *config.Config
	log *slog.Logger
	clk clock.Clock

	bus *events.Bus
	ids *identity.Manager
	tr  transport.Transport
	dir *topology.Directory
	reg *mods.Registry

	top    topology.Topology
	gossip *topology.Decentralized // set in decentralized mode

	cron *cron.Cron

	mu           sync.Mutex
	started      bool
	upstreamConn string // centralized-client mode
	pending      map[string]chan *transport.SystemResponse

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New assembles a service from configuration. The registry carries the mod
// factories registered by the embedding program.
func New(cfg *config.Config, reg *mods.Registry, log *slog.Logger) (*Service, error) {
	ids, err := identity.NewManager(identity.WithTTL(cfg.IdentityTTL()))
	if err != nil {
		return nil, err
	}

	clk := clock.Real{}
	bus := events.New()
	dir := topology.NewDirectory(clk)
	tr := transport.NewWebSocket(transport.Options{
		ListenAddr:        cfg.ListenAddr(),
		HeartbeatInterval: cfg.HeartbeatInterval,
		AgentTimeout:      cfg.AgentTimeout,
		ConnectionTimeout: cfg.ConnectionTimeout,
		MaxConnections:    cfg.MaxConnections,
		EncryptionEnabled: cfg.EncryptionEnabled,
		EncryptionType:    cfg.EncryptionType,
	}, log)

	s := &Service{
		cfg:     cfg,
		log:     log.With("component", "network"),
		clk:     clk,
		bus:     bus,
		ids:     ids,
		tr:      tr,
		dir:     dir,
		reg:     reg,
		cron:    cron.New(),
		pending: make(map[string]chan *transport.SystemResponse),
	}

	switch cfg.Mode {
	case config.ModeDecentralized:
		g := topology.NewDecentralized(cfg.NodeID, dir, tr, bus, clk, log)
		g.SetLocalMods(func() []string {
			infos := reg.List()
			names := make([]string, len(infos))
			for i, m := range infos {
				names[i] = m.Name
			}
			return names
		})
		s.gossip = g
		s.top = g
	case config.ModeCentralized:
		if cfg.ServerMode {
			c := topology.NewCentralized(dir, tr, bus, log)
			c.SetModResolver(reg.Known)
			s.top = c
		}
		// Client topology is built after the coordinator dial in Start.
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	return s, nil
}

// Bus exposes the lifecycle event bus for exporters.
func (s *Service) Bus() *events.Bus { return s.bus }

// Registry exposes the mod registry.
func (s *Service) Registry() *mods.Registry { return s.reg }

// Identity exposes the identity manager.
func (s *Service) Identity() *identity.Manager { return s.ids }

// Addr returns the transport's bound address once listening.
func (s *Service) Addr() string { return s.tr.Addr() }

// Start brings the node up: transport first, then peering, then mods, then
// maintenance jobs. It returns once the node is serving; background loops
// run until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("already started")
	}
	s.started = true
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	s.tr.Subscribe(s.handleFrame)
	g.Go(func() error {
		s.consumeTransportEvents(gctx)
		return nil
	})

	serving := s.cfg.Mode == config.ModeDecentralized ||
		(s.cfg.Mode == config.ModeCentralized && s.cfg.ServerMode)
	if serving {
		if err := s.tr.Listen(runCtx); err != nil {
			cancel()
			return err
		}
	}

	if err := s.peer(runCtx); err != nil {
		cancel()
		return err
	}

	s.loadMods()
	s.scheduleMaintenance()

	s.log.Info("network service started",
		"mode", s.cfg.Mode,
		"server_mode", s.cfg.ServerMode,
		"addr", s.tr.Addr(),
		"mods", len(s.reg.List()))
	return nil
}

// peer establishes the node's outbound links: the coordinator in
// centralized-client mode, the bootstrap peers in decentralized mode.
func (s *Service) peer(ctx context.Context) error {
	switch {
	case s.cfg.Mode == config.ModeCentralized && !s.cfg.ServerMode:
		hello := &transport.Hello{
			AgentID:  nodePrefix + s.cfg.NodeID,
			Metadata: map[string]any{"node": true, "name": s.cfg.Name},
		}
		connID, ack, err := s.tr.Dial(ctx, s.cfg.CoordinatorURL, hello)
		if err != nil {
			return fmt.Errorf("dial coordinator: %w", err)
		}
		if !ack.Accepted {
			return fmt.Errorf("coordinator rejected node: %s", ack.Reason)
		}
		s.mu.Lock()
		s.upstreamConn = connID
		s.mu.Unlock()
		s.top = topology.NewCentralizedClient(s.dir, s.tr, connID, s.listUpstream, s.log)

	case s.cfg.Mode == config.ModeDecentralized:
		for _, addr := range s.cfg.BootstrapNodes {
			hello := &transport.Hello{
				AgentID:  nodePrefix + s.cfg.NodeID,
				Metadata: map[string]any{"node": true, "address": s.tr.Addr()},
			}
			connID, ack, err := s.tr.Dial(ctx, addr, hello)
			if err != nil {
				s.log.Warn("bootstrap dial failed", "addr", addr, "error", err)
				continue
			}
			if !ack.Accepted {
				s.log.Warn("bootstrap peer rejected us", "addr", addr, "reason", ack.Reason)
				continue
			}
			s.gossip.AddPeer(connID, addr, nil)
			if err := s.gossip.SendGossipHello(connID, s.tr.Addr()); err != nil {
				s.log.Warn("gossip hello failed", "addr", addr, "error", err)
			}
		}
	}
	return nil
}

// loadMods loads, binds, and initializes the configured server mods. A
// failed load or init is reported and skipped, never fatal.
func (s *Service) loadMods() {
	for _, lerr := range s.reg.LoadAll(s.cfg.Mods) {
		s.bus.Publish(events.Event{
			Type:    events.EventModLoadFailed,
			Mod:     lerr.Mod,
			Message: lerr.Err.Error(),
		})
	}
	s.reg.Each(func(name string, m mods.ServerMod) {
		m.BindNetwork(s)
		if err := s.safeInitialize(name, m); err != nil {
			s.log.Error("mod initialize failed", "mod", name, "error", err)
		}
	})
}

func (s *Service) safeInitialize(name string, m mods.ServerMod) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.Initialize()
}

// scheduleMaintenance starts the cron jobs: identity sweep at TTL/10 and,
// when discovery is on, periodic re-announcement of local agents.
func (s *Service) scheduleMaintenance() {
	sweepEvery := s.ids.TTL() / 10
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}
	_, _ = s.cron.AddFunc(fmt.Sprintf("@every %s", sweepEvery), s.ids.Sweep)

	if s.cfg.DiscoveryEnabled && s.gossip != nil {
		_, _ = s.cron.AddFunc(fmt.Sprintf("@every %s", s.cfg.DiscoveryInterval), s.gossip.AnnounceLocal)
	}
	s.cron.Start()
}

// Stop shuts the node down: mods, cron, transport, background loops.
// Idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	s.reg.Each(func(name string, m mods.ServerMod) {
		if err := m.Shutdown(); err != nil {
			s.log.Warn("mod shutdown failed", "mod", name, "error", err)
		}
	})

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}

	if err := s.tr.Shutdown(ctx); err != nil {
		s.log.Warn("transport shutdown", "error", err)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	s.failPending(transport.CodeConnectionLost)
	s.log.Info("network service stopped")
	return nil
}

// ---------------------------------------------------------------------------
// mods.Network
// ---------------------------------------------------------------------------

// Send injects a mod-originated envelope through the egress pipeline and
// routes it.
func (s *Service) Send(env *message.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	out, consumed := s.runPipeline(env)
	if consumed {
		metrics.MessagesDropped.WithLabelValues("pipeline").Inc()
		return nil
	}
	return s.route(out)
}

// Agents returns the current directory contents.
func (s *Service) Agents() []topology.AgentInfo {
	return s.dir.List(nil)
}

// ---------------------------------------------------------------------------
// Frame handling
// ---------------------------------------------------------------------------

func (s *Service) handleFrame(connID string, f *transport.Frame) {
	switch f.Type {
	case transport.FrameHello:
		s.handleHello(connID, f)
	case transport.FrameMessage:
		s.handleMessage(connID, f)
	case transport.FrameSystemRequest:
		s.handleSystemRequest(connID, f)
	case transport.FrameSystemResponse:
		s.handleSystemResponse(f)
	case transport.FrameError:
		var body transport.ErrorBody
		_ = f.DecodeBody(&body)
		s.log.Warn("error frame received", "conn", connID, "code", body.Code, "detail", body.Message)
	}
}

// handleHello runs the admission protocol.
func (s *Service) handleHello(connID string, f *transport.Frame) {
	var hello transport.Hello
	if err := f.DecodeBody(&hello); err != nil || hello.AgentID == "" {
		s.reject(connID, f.CorrelationID, "malformed hello")
		return
	}

	// Node-to-node peering carries no agent identity.
	if isNode, _ := hello.Metadata["node"].(bool); isNode {
		s.admitNode(connID, &hello, f.CorrelationID)
		return
	}

	var cert *identity.Certificate
	switch {
	case hello.Certificate != nil:
		if hello.Certificate.AgentID != hello.AgentID {
			s.reject(connID, f.CorrelationID, "certificate agent_id mismatch")
			return
		}
		if err := s.ids.Validate(hello.Certificate); err != nil {
			reason := transport.CodeInvalidCertificate
			if errors.Is(err, identity.ErrExpiredCertificate) {
				reason = transport.CodeExpiredCertificate
			}
			s.reject(connID, f.CorrelationID, reason)
			return
		}
		// Certificate-override reconnect: the presented cert matches the
		// claim on record, so a stale connection under this ID gives way.
		s.dropStaleConnection(hello.AgentID, connID)
		cert = hello.Certificate

	default:
		issued, err := s.ids.Claim(hello.AgentID, false)
		if errors.Is(err, identity.ErrAgentIDClaimed) {
			s.reject(connID, f.CorrelationID, transport.CodeAgentIDInUse)
			return
		}
		if err != nil {
			s.reject(connID, f.CorrelationID, transport.CodeIdentityServerUnavailable)
			return
		}
		cert = issued
	}

	s.tr.SetAgentID(connID, hello.AgentID)
	info := topology.AgentInfo{
		AgentID:       hello.AgentID,
		Metadata:      hello.Metadata,
		Capabilities:  capabilitiesOf(hello.Metadata),
		TransportType: s.cfg.Transport,
		ConnectionID:  connID,
	}
	if err := s.top.Register(info); err != nil {
		s.reject(connID, f.CorrelationID, err.Error())
		return
	}
	s.reg.Each(func(name string, m mods.ServerMod) {
		s.safeCallback(name, func() { m.HandleRegisterAgent(hello.AgentID, hello.Metadata) })
	})

	metrics.AdmissionsTotal.WithLabelValues("accepted").Inc()
	ack, _ := transport.NewFrame(transport.FrameHelloAck, transport.HelloAck{
		Accepted:    true,
		Certificate: cert,
	})
	ack.CorrelationID = f.CorrelationID
	if err := s.tr.Send(connID, ack); err != nil {
		s.log.Warn("hello_ack send failed", "conn", connID, "error", err)
	}
	s.log.Info("agent admitted", "agent", hello.AgentID, "conn", connID)
}

// admitNode accepts a peer node link (decentralized mode only).
func (s *Service) admitNode(connID string, hello *transport.Hello, correlationID string) {
	if s.gossip == nil {
		s.reject(connID, correlationID, "node peering not supported in this mode")
		return
	}
	s.tr.SetAgentID(connID, hello.AgentID)
	addr, _ := hello.Metadata["address"].(string)
	s.gossip.AddPeer(connID, addr, nil)

	metrics.AdmissionsTotal.WithLabelValues("peer").Inc()
	ack, _ := transport.NewFrame(transport.FrameHelloAck, transport.HelloAck{Accepted: true})
	ack.CorrelationID = correlationID
	if err := s.tr.Send(connID, ack); err != nil {
		s.log.Warn("peer hello_ack send failed", "conn", connID, "error", err)
		return
	}
	if err := s.gossip.SendGossipHello(connID, s.tr.Addr()); err != nil {
		s.log.Warn("gossip hello failed", "conn", connID, "error", err)
	}
	s.log.Info("peer node admitted", "node", hello.AgentID, "conn", connID)
}

// reject answers a hello with a refusal and closes the connection.
func (s *Service) reject(connID, correlationID, reason string) {
	metrics.AdmissionsTotal.WithLabelValues("rejected").Inc()
	ack, _ := transport.NewFrame(transport.FrameHelloAck, transport.HelloAck{
		Accepted: false,
		Reason:   reason,
	})
	ack.CorrelationID = correlationID
	if err := s.tr.Send(connID, ack); err != nil {
		s.log.Warn("rejection send failed", "conn", connID, "error", err)
	}
	_ = s.tr.Close(connID, "admission rejected: "+reason)
}

// dropStaleConnection closes any other connection currently holding the
// agent ID. The presented certificate proves ownership; the newcomer wins.
func (s *Service) dropStaleConnection(agentID, newConnID string) {
	if info, ok := s.dir.Get(agentID); ok && info.ConnectionID != "" && info.ConnectionID != newConnID {
		s.log.Info("certificate reconnect, dropping stale connection",
			"agent", agentID, "stale_conn", info.ConnectionID)
		_ = s.tr.Close(info.ConnectionID, "superseded by certificate reconnect")
	}
}

// handleMessage runs the ingress pipeline: authenticate, mod chain, route.
func (s *Service) handleMessage(connID string, f *transport.Frame) {
	env, err := f.Envelope()
	if err != nil {
		// The transport already answered BadEnvelope; nothing to do.
		return
	}

	peerID, admitted := s.tr.AgentID(connID)
	if !admitted {
		_ = s.tr.Send(connID, transport.ErrorFrame(transport.CodeBadRequest,
			"message before admission", f.CorrelationID))
		return
	}

	// Peer nodes inject envelopes on behalf of their own agents; locally
	// attached agents must be who they say they are.
	if !strings.HasPrefix(peerID, nodePrefix) && env.SenderID != peerID {
		s.log.Warn("sender_id mismatch, dropping",
			"conn", connID, "peer", peerID, "claimed", env.SenderID)
		metrics.MessagesDropped.WithLabelValues("unauthenticated").Inc()
		return
	}

	out, consumed := s.runPipeline(env)
	if consumed {
		metrics.MessagesDropped.WithLabelValues("pipeline").Inc()
		return
	}
	if err := s.route(out); err != nil {
		s.log.Debug("routing failed", "message_id", env.ID, "error", err)
	}
}

// runPipeline applies the ordered server-mod chain for the envelope's
// variant. A nil return from any mod consumes the message. Mod messages are
// scoped: only the named mod sees them, terminally.
func (s *Service) runPipeline(env *message.Envelope) (*message.Envelope, bool) {
	start := s.clk.Now()
	defer func() {
		metrics.PipelineDuration.Observe(s.clk.Now().Sub(start).Seconds())
	}()

	if env.Type == message.TypeMod {
		if m, ok := s.reg.Get(env.Mod); ok {
			s.safeCallback(env.Mod, func() { m.ProcessModMessage(env) })
		}
		// Routing still runs: inbound mod messages reach the relevant
		// agent; unknown mods are answered there.
		return env, false
	}

	current := env
	consumed := false
	s.reg.Each(func(name string, m mods.ServerMod) {
		if consumed || current == nil {
			return
		}
		var next *message.Envelope
		ok := s.safeCallback(name, func() {
			switch env.Type {
			case message.TypeDirect:
				next = m.ProcessDirectMessage(current)
			case message.TypeBroadcast:
				next = m.ProcessBroadcastMessage(current)
			}
		})
		if !ok {
			// A panicking mod drops only this message.
			consumed = true
			return
		}
		if next == nil {
			consumed = true
			return
		}
		current = next
	})
	return current, consumed
}

// safeCallback invokes a mod callback with panic recovery. It reports false
// when the callback panicked.
func (s *Service) safeCallback(mod string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("mod callback panicked", "mod", mod, "panic", r)
			ok = false
		}
	}()
	fn()
	return true
}

func (s *Service) route(env *message.Envelope) error {
	if s.top == nil {
		return ErrNotStarted
	}
	return s.top.Route(env)
}

// ---------------------------------------------------------------------------
// System requests
// ---------------------------------------------------------------------------

func (s *Service) handleSystemRequest(connID string, f *transport.Frame) {
	var req transport.SystemRequest
	if err := f.DecodeBody(&req); err != nil {
		s.respondErr(connID, f.CorrelationID, "malformed system_request")
		return
	}

	if s.gossip != nil && strings.HasPrefix(req.Command, "gossip_") {
		if s.gossip.HandleGossip(connID, &req, f.CorrelationID) {
			return
		}
	}

	switch req.Command {
	case "list_agents":
		s.respond(connID, f.CorrelationID, s.listAgents())
	case "list_mods":
		s.respond(connID, f.CorrelationID, s.reg.List())
	case "claim_agent_id":
		s.handleClaim(connID, f.CorrelationID, req.Args)
	default:
		s.respondErr(connID, f.CorrelationID, fmt.Sprintf("unknown command %q", req.Command))
	}
}

func (s *Service) listAgents() []AgentSummary {
	infos := s.dir.List(nil)
	out := make([]AgentSummary, 0, len(infos))
	for _, info := range infos {
		out = append(out, AgentSummary{
			AgentID:      info.AgentID,
			Metadata:     info.Metadata,
			Capabilities: info.Capabilities,
			Connected:    info.ConnectionID != "",
		})
	}
	return out
}

func (s *Service) handleClaim(connID, correlationID string, args map[string]any) {
	agentID, _ := args["agent_id"].(string)
	if agentID == "" || strings.HasPrefix(agentID, nodePrefix) {
		s.respondErr(connID, correlationID, transport.CodeBadRequest)
		return
	}
	force, _ := args["force"].(bool)
	cert, err := s.ids.Claim(agentID, force)
	if errors.Is(err, identity.ErrAgentIDClaimed) {
		s.respondErr(connID, correlationID, transport.CodeAgentIDInUse)
		return
	}
	if err != nil {
		s.respondErr(connID, correlationID, transport.CodeIdentityServerUnavailable)
		return
	}
	s.respond(connID, correlationID, cert)
}

func (s *Service) respond(connID, correlationID string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.respondErr(connID, correlationID, "marshal response")
		return
	}
	f, _ := transport.NewFrame(transport.FrameSystemResponse, transport.SystemResponse{OK: true, Data: raw})
	f.CorrelationID = correlationID
	if err := s.tr.Send(connID, f); err != nil {
		s.log.Warn("system_response send failed", "conn", connID, "error", err)
	}
}

func (s *Service) respondErr(connID, correlationID, detail string) {
	f, _ := transport.NewFrame(transport.FrameSystemResponse, transport.SystemResponse{OK: false, Error: detail})
	f.CorrelationID = correlationID
	if err := s.tr.Send(connID, f); err != nil {
		s.log.Warn("system_response send failed", "conn", connID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Upstream requests (centralized-client mode)
// ---------------------------------------------------------------------------

// handleSystemResponse resolves a pending upstream request.
func (s *Service) handleSystemResponse(f *transport.Frame) {
	var resp transport.SystemResponse
	if err := f.DecodeBody(&resp); err != nil {
		return
	}
	s.mu.Lock()
	ch, ok := s.pending[f.CorrelationID]
	if ok {
		delete(s.pending, f.CorrelationID)
	}
	s.mu.Unlock()
	if ok {
		ch <- &resp
	}
}

// requestUpstream issues a system request on the coordinator link and waits
// for its correlated response. The pending entry is registered before the
// send so a fast response cannot be missed.
func (s *Service) requestUpstream(ctx context.Context, command string, args map[string]any) (*transport.SystemResponse, error) {
	s.mu.Lock()
	conn := s.upstreamConn
	s.mu.Unlock()
	if conn == "" {
		return nil, ErrNotStarted
	}

	correlationID := uuid.NewString()
	ch := make(chan *transport.SystemResponse, 1)
	s.mu.Lock()
	s.pending[correlationID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, correlationID)
		s.mu.Unlock()
	}()

	f, err := transport.NewFrame(transport.FrameSystemRequest, transport.SystemRequest{
		Command: command,
		Args:    args,
	})
	if err != nil {
		return nil, err
	}
	f.CorrelationID = correlationID
	if err := s.tr.Send(conn, f); err != nil {
		return nil, err
	}

	timeout := s.cfg.MessageTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("system request %s timed out", command)
	}
}

// listUpstream backs the centralized-client topology's peer discovery.
func (s *Service) listUpstream(ctx context.Context) ([]topology.AgentInfo, error) {
	resp, err := s.requestUpstream(ctx, "list_agents", nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("list_agents: %s", resp.Error)
	}
	var summaries []AgentSummary
	if err := json.Unmarshal(resp.Data, &summaries); err != nil {
		return nil, err
	}
	out := make([]topology.AgentInfo, 0, len(summaries))
	for _, a := range summaries {
		out = append(out, topology.AgentInfo{
			AgentID:      a.AgentID,
			Metadata:     a.Metadata,
			Capabilities: a.Capabilities,
		})
	}
	return out, nil
}

// failPending resolves every outstanding upstream request with an error.
func (s *Service) failPending(code string) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan *transport.SystemResponse)
	s.mu.Unlock()
	for _, ch := range pending {
		ch <- &transport.SystemResponse{OK: false, Error: code}
	}
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

// consumeTransportEvents keeps the topology in step with connection state.
func (s *Service) consumeTransportEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.tr.Events():
			if !ok {
				return
			}
			switch evt.State {
			case transport.StatePending, transport.StateConnected:
				s.bus.Publish(events.Event{
					Type:         events.EventConnectionOpened,
					AgentID:      evt.AgentID,
					ConnectionID: evt.ConnectionID,
				})
			case transport.StateClosed:
				s.onConnectionClosed(evt)
			}
		}
	}
}

func (s *Service) onConnectionClosed(evt transport.Event) {
	s.bus.Publish(events.Event{
		Type:         events.EventConnectionClosed,
		AgentID:      evt.AgentID,
		ConnectionID: evt.ConnectionID,
		Message:      evt.Reason,
	})

	if strings.HasPrefix(evt.AgentID, nodePrefix) {
		if s.gossip != nil {
			s.gossip.RemovePeer(evt.ConnectionID)
		}
		return
	}

	// Unregister whichever agent was attached over this connection. The
	// identity claim survives: the agent can reconnect with its cert.
	info, ok := s.dir.ByConnection(evt.ConnectionID)
	if !ok {
		return
	}
	if s.top != nil {
		s.top.Unregister(info.AgentID)
	}
	s.reg.Each(func(name string, m mods.ServerMod) {
		s.safeCallback(name, func() { m.HandleUnregisterAgent(info.AgentID) })
	})
	s.log.Info("agent unregistered", "agent", info.AgentID, "reason", evt.Reason)
}

// capabilitiesOf extracts the declared capability list from hello metadata.
func capabilitiesOf(metadata map[string]any) []string {
	raw, ok := metadata["capabilities"]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var _ mods.Network = (*Service)(nil)
