// Package client is the agent-facing API: a connector plus an ordered list
// of adapters and a local thread store. Outgoing messages run the adapters'
// outgoing pipeline; incoming messages run the incoming pipeline and land in
// the thread keyed by the message's ThreadKey.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/agentmesh/agentmesh/internal/connector"
	"github.com/agentmesh/agentmesh/internal/message"
	"github.com/agentmesh/agentmesh/internal/mods"
	"github.com/agentmesh/agentmesh/internal/transport"
)

// AgentInfo is one list_agents entry as the server reports it.
type AgentInfo struct {
	AgentID      string         `json:"agent_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Connected    bool           `json:"connected"`
}

// Client owns one agent's view of the network.
type Client struct {
	agentID string
	conn    *connector.Connector
	log     *slog.Logger

	mu       sync.Mutex
	adapters []mods.Adapter
	threads  map[string][]*message.Envelope
}

// New creates a client for one agent over its connector. The client
// registers itself for message frames; callers connect via Connect.
func New(agentID string, conn *connector.Connector, log *slog.Logger) *Client {
	c := &Client{
		agentID: agentID,
		conn:    conn,
		log:     log.With("component", "client", "agent", agentID),
		threads: make(map[string][]*message.Envelope),
	}
	conn.RegisterMessageHandler(transport.FrameMessage, c.onFrame)
	conn.OnConnectionEstablished(func() {
		c.eachAdapter(func(a mods.Adapter) { a.OnConnect() })
	})
	conn.OnConnectionClosed(func(string) {
		c.eachAdapter(func(a mods.Adapter) { a.OnDisconnect() })
	})
	return c
}

// AgentID returns the agent this client acts for.
func (c *Client) AgentID() string { return c.agentID }

// Connector exposes the underlying connector.
func (c *Client) Connector() *connector.Connector { return c.conn }

// Connect dials the network under this client's agent ID.
func (c *Client) Connect(ctx context.Context, addr string, metadata map[string]any) error {
	return c.conn.Connect(ctx, addr, c.agentID, metadata)
}

// Disconnect closes the connection.
func (c *Client) Disconnect() { c.conn.Disconnect() }

// RegisterModAdapter binds an adapter to this client and appends its hooks
// to both pipelines. Registration order is pipeline order.
func (c *Client) RegisterModAdapter(a mods.Adapter) {
	a.BindAgent(c.agentID)
	a.BindConnector(c.conn)
	c.mu.Lock()
	c.adapters = append(c.adapters, a)
	c.mu.Unlock()
}

// SendDirect sends a direct message to target. The outgoing pipeline may
// transform or cancel it; a sent envelope is appended to the local thread so
// the sender sees its own messages in context.
func (c *Client) SendDirect(targetID string, content map[string]any) (*message.Envelope, error) {
	return c.send(message.NewDirect(c.agentID, targetID, content))
}

// SendBroadcast sends a broadcast to every other agent.
func (c *Client) SendBroadcast(content map[string]any) (*message.Envelope, error) {
	return c.send(message.NewBroadcast(c.agentID, content))
}

// SendMod sends a mod-scoped message owned by the named mod.
func (c *Client) SendMod(mod string, direction message.Direction, relevantAgentID string, content map[string]any) (*message.Envelope, error) {
	return c.send(message.NewMod(c.agentID, mod, direction, relevantAgentID, content))
}

// send runs the outgoing pipeline, transmits, and appends locally. A nil
// from any adapter cancels the send; callers get (nil, nil).
func (c *Client) send(env *message.Envelope) (*message.Envelope, error) {
	out := c.runPipeline(env, outgoing)
	if out == nil {
		c.log.Debug("send cancelled by adapter", "message_id", env.ID)
		return nil, nil
	}
	if err := c.conn.SendEnvelope(out); err != nil {
		return nil, err
	}
	c.append(message.ThreadKey(out, c.agentID), out)
	return out, nil
}

// onFrame classifies a received envelope, runs the incoming pipeline, and
// appends the survivor to its thread.
func (c *Client) onFrame(f *transport.Frame) {
	env, err := f.Envelope()
	if err != nil {
		c.log.Warn("unparseable message frame", "error", err)
		return
	}
	out := c.runPipeline(env, incoming)
	if out == nil {
		return
	}
	c.append(message.ThreadKey(out, c.agentID), out)
}

type pipelineDir int

const (
	outgoing pipelineDir = iota
	incoming
)

// runPipeline applies the adapter chain in registration order. Any nil stops
// the chain and consumes the message.
func (c *Client) runPipeline(env *message.Envelope, dir pipelineDir) *message.Envelope {
	c.mu.Lock()
	adapters := append([]mods.Adapter{}, c.adapters...)
	c.mu.Unlock()

	current := env
	for _, a := range adapters {
		if current == nil {
			return nil
		}
		switch {
		case dir == outgoing && env.Type == message.TypeDirect:
			current = a.ProcessOutgoingDirectMessage(current)
		case dir == outgoing && env.Type == message.TypeBroadcast:
			current = a.ProcessOutgoingBroadcastMessage(current)
		case dir == outgoing && env.Type == message.TypeMod:
			current = a.ProcessOutgoingModMessage(current)
		case dir == incoming && env.Type == message.TypeDirect:
			current = a.ProcessIncomingDirectMessage(current)
		case dir == incoming && env.Type == message.TypeBroadcast:
			current = a.ProcessIncomingBroadcastMessage(current)
		case dir == incoming && env.Type == message.TypeMod:
			current = a.ProcessIncomingModMessage(current)
		}
	}
	return current
}

func (c *Client) append(threadKey string, env *message.Envelope) {
	c.mu.Lock()
	c.threads[threadKey] = append(c.threads[threadKey], env)
	c.mu.Unlock()
}

// Threads returns a snapshot of the thread store. The envelope pointers are
// shared; the slices and map are copies.
func (c *Client) Threads() map[string][]*message.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]*message.Envelope, len(c.threads))
	for k, v := range c.threads {
		out[k] = append([]*message.Envelope(nil), v...)
	}
	return out
}

// Thread returns a snapshot of one thread.
func (c *Client) Thread(key string) []*message.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*message.Envelope(nil), c.threads[key]...)
}

// ListAgents queries the server's directory.
func (c *Client) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	resp, err := c.conn.SystemRequest(ctx, "list_agents", nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("list_agents: %s", resp.Error)
	}
	var agents []AgentInfo
	if err := json.Unmarshal(resp.Data, &agents); err != nil {
		return nil, fmt.Errorf("parse list_agents: %w", err)
	}
	return agents, nil
}

// ListMods queries the server's loaded mods.
func (c *Client) ListMods(ctx context.Context) ([]mods.ModInfo, error) {
	resp, err := c.conn.SystemRequest(ctx, "list_mods", nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("list_mods: %s", resp.Error)
	}
	var infos []mods.ModInfo
	if err := json.Unmarshal(resp.Data, &infos); err != nil {
		return nil, fmt.Errorf("parse list_mods: %w", err)
	}
	return infos, nil
}

// Tools returns the union of every adapter's advertised tools, in adapter
// registration order.
func (c *Client) Tools() []mods.Tool {
	c.mu.Lock()
	adapters := append([]mods.Adapter{}, c.adapters...)
	c.mu.Unlock()

	var out []mods.Tool
	for _, a := range adapters {
		out = append(out, a.Tools()...)
	}
	return out
}

func (c *Client) eachAdapter(fn func(a mods.Adapter)) {
	c.mu.Lock()
	adapters := append([]mods.Adapter{}, c.adapters...)
	c.mu.Unlock()
	for _, a := range adapters {
		fn(a)
	}
}
