package topology

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/message"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/transport"
)

// Centralized is the coordinator-side topology: every agent connects to
// this node, and all routing is a directory lookup away.
type Centralized struct {
	dir *Directory
	tr  transport.Transport
	bus *events.Bus
	log *slog.Logger

	// modTargets reports whether a mod message should be forwarded to its
	// relevant agent. Set by the network service from the mod registry.
	modKnown func(mod string) bool
}

// NewCentralized creates the coordinator topology.
func NewCentralized(dir *Directory, tr transport.Transport, bus *events.Bus, log *slog.Logger) *Centralized {
	return &Centralized{
		dir:      dir,
		tr:       tr,
		bus:      bus,
		log:      log.With("component", "topology"),
		modKnown: func(string) bool { return false },
	}
}

// SetModResolver wires the mod registry lookup used for mod-message routing.
func (c *Centralized) SetModResolver(known func(mod string) bool) {
	c.modKnown = known
}

// Register inserts or refreshes a directory entry.
func (c *Centralized) Register(info AgentInfo) error {
	c.dir.Register(info)
	metrics.AgentsRegistered.Set(float64(c.dir.Count()))
	c.bus.Publish(events.Event{
		Type:         events.EventAgentRegistered,
		AgentID:      info.AgentID,
		ConnectionID: info.ConnectionID,
		Message:      fmt.Sprintf("agent %s registered", info.AgentID),
	})
	return nil
}

// Unregister removes an agent.
func (c *Centralized) Unregister(agentID string) {
	c.dir.Unregister(agentID)
	metrics.AgentsRegistered.Set(float64(c.dir.Count()))
	c.bus.Publish(events.Event{
		Type:    events.EventAgentUnregistered,
		AgentID: agentID,
		Message: fmt.Sprintf("agent %s unregistered", agentID),
	})
}

// Get returns the directory entry for one agent.
func (c *Centralized) Get(agentID string) (AgentInfo, bool) {
	return c.dir.Get(agentID)
}

// List returns entries matching the capabilities.
func (c *Centralized) List(capabilities []string) []AgentInfo {
	return c.dir.List(capabilities)
}

// DiscoverPeers is a local lookup: the coordinator's directory is complete.
func (c *Centralized) DiscoverPeers(_ context.Context, capabilities []string) ([]AgentInfo, error) {
	return c.dir.List(capabilities), nil
}

// Route delivers an envelope. Routing failures answer the sender with an
// error frame and never disconnect anyone.
func (c *Centralized) Route(env *message.Envelope) error {
	switch env.Type {
	case message.TypeDirect:
		return c.routeDirect(env)
	case message.TypeBroadcast:
		return c.routeBroadcast(env)
	case message.TypeMod:
		return c.routeMod(env)
	default:
		return fmt.Errorf("unroutable message type %q", env.Type)
	}
}

func (c *Centralized) routeDirect(env *message.Envelope) error {
	connID, ok := c.dir.ConnectionID(env.TargetAgentID)
	if !ok {
		c.undeliverable(env, fmt.Sprintf("agent %s is not connected", env.TargetAgentID))
		return fmt.Errorf("%w: %s", ErrUndeliverable, env.TargetAgentID)
	}

	f, err := transport.MessageFrame(env)
	if err != nil {
		return err
	}
	if err := c.tr.Send(connID, f); err != nil {
		c.undeliverable(env, fmt.Sprintf("delivery to %s failed", env.TargetAgentID))
		return fmt.Errorf("%w: %s: %v", ErrUndeliverable, env.TargetAgentID, err)
	}
	metrics.MessagesRouted.WithLabelValues(string(env.Type)).Inc()
	return nil
}

func (c *Centralized) routeBroadcast(env *message.Envelope) error {
	f, err := transport.MessageFrame(env)
	if err != nil {
		return err
	}
	// The broadcaster never receives its own copy over the wire.
	senderConn, _ := c.dir.ConnectionID(env.SenderID)
	if err := c.tr.Broadcast(f, senderConn); err != nil {
		return err
	}
	metrics.MessagesRouted.WithLabelValues(string(env.Type)).Inc()
	return nil
}

// routeMod delivers a mod message. Inbound messages are forwarded to the
// relevant agent; outbound (and both) terminate at the server-side mod,
// which has already seen the message in the ingress pipeline.
func (c *Centralized) routeMod(env *message.Envelope) error {
	if !c.modKnown(env.Mod) {
		c.errorToSender(env, transport.CodeModUnknown, fmt.Sprintf("mod %q is not registered", env.Mod))
		return fmt.Errorf("%w: %s", ErrModUnknown, env.Mod)
	}
	if env.Direction != message.DirectionInbound {
		return nil
	}

	connID, ok := c.dir.ConnectionID(env.RelevantAgentID)
	if !ok {
		c.undeliverable(env, fmt.Sprintf("agent %s is not connected", env.RelevantAgentID))
		return fmt.Errorf("%w: %s", ErrUndeliverable, env.RelevantAgentID)
	}
	f, err := transport.MessageFrame(env)
	if err != nil {
		return err
	}
	if err := c.tr.Send(connID, f); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUndeliverable, env.RelevantAgentID, err)
	}
	metrics.MessagesRouted.WithLabelValues(string(env.Type)).Inc()
	return nil
}

// undeliverable reports a failed direct delivery back to the sender.
func (c *Centralized) undeliverable(env *message.Envelope, detail string) {
	metrics.MessagesDropped.WithLabelValues("undeliverable").Inc()
	c.bus.Publish(events.Event{
		Type:    events.EventUndeliverable,
		AgentID: env.SenderID,
		Message: detail,
	})
	c.errorToSender(env, transport.CodeUndeliverable, detail)
}

// errorToSender sends an error frame to the message source, when the source
// is an agent attached to this node. Mod-originated sends have no sender
// connection and are only logged.
func (c *Centralized) errorToSender(env *message.Envelope, code, detail string) {
	senderConn, ok := c.dir.ConnectionID(env.SenderID)
	if !ok {
		c.log.Warn("routing error with no sender connection", "sender", env.SenderID, "code", code, "detail", detail)
		return
	}
	if err := c.tr.Send(senderConn, transport.ErrorFrame(code, detail, "")); err != nil {
		c.log.Warn("failed to report routing error", "sender", env.SenderID, "error", err)
	}
}

// ---------------------------------------------------------------------------
// Centralized client
// ---------------------------------------------------------------------------

// AgentLister fetches the coordinator's directory, normally backed by a
// list_agents system request.
type AgentLister func(ctx context.Context) ([]AgentInfo, error)

// CentralizedClient is the non-coordinator side of a centralized network: a
// thin wrapper that forwards all outbound envelopes upstream. Inbound frames
// are delivered to the transport's subscribed handlers, not through here.
type CentralizedClient struct {
	dir    *Directory
	tr     transport.Transport
	connID string
	list   AgentLister
	log    *slog.Logger
}

// NewCentralizedClient creates the client topology over an established
// upstream connection.
func NewCentralizedClient(dir *Directory, tr transport.Transport, upstreamConnID string, list AgentLister, log *slog.Logger) *CentralizedClient {
	return &CentralizedClient{
		dir:    dir,
		tr:     tr,
		connID: upstreamConnID,
		list:   list,
		log:    log.With("component", "topology-client"),
	}
}

// Register refreshes the local cache. Upstream registration happened during
// the hello exchange.
func (c *CentralizedClient) Register(info AgentInfo) error {
	c.dir.Register(info)
	return nil
}

// Unregister drops the local cache entry.
func (c *CentralizedClient) Unregister(agentID string) {
	c.dir.Unregister(agentID)
}

// Get consults the local cache.
func (c *CentralizedClient) Get(agentID string) (AgentInfo, bool) {
	return c.dir.Get(agentID)
}

// List consults the local cache.
func (c *CentralizedClient) List(capabilities []string) []AgentInfo {
	return c.dir.List(capabilities)
}

// Route forwards the envelope upstream; the coordinator does the actual
// routing.
func (c *CentralizedClient) Route(env *message.Envelope) error {
	f, err := transport.MessageFrame(env)
	if err != nil {
		return err
	}
	return c.tr.Send(c.connID, f)
}

// DiscoverPeers queries the coordinator and refreshes the local cache.
func (c *CentralizedClient) DiscoverPeers(ctx context.Context, capabilities []string) ([]AgentInfo, error) {
	if c.list == nil {
		return c.dir.List(capabilities), nil
	}
	agents, err := c.list(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range agents {
		c.dir.Register(info)
	}
	out := make([]AgentInfo, 0, len(agents))
	for _, info := range agents {
		if hasCapabilities(info.Capabilities, capabilities) {
			out = append(out, info)
		}
	}
	return out, nil
}

var (
	_ Topology = (*Centralized)(nil)
	_ Topology = (*CentralizedClient)(nil)
)
