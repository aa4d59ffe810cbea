// Package mods defines the extension contracts: server-side mods that hook
// into the network's message pipelines, and agent-side adapters that hook
// into a client's. All callbacks are optional; embed BaseMod or BaseAdapter
// and override what you need.
package mods

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/message"
	"github.com/agentmesh/agentmesh/internal/topology"
)

// Network is the server surface exposed to mods. Mod-originated envelopes
// enter the egress pipeline through Send.
type Network interface {
	Send(env *message.Envelope) error
	Agents() []topology.AgentInfo
}

// Connector is the client surface exposed to adapters.
type Connector interface {
	AgentID() string
	Connected() bool
}

// Tool is a capability an adapter advertises on behalf of its mod. Schema
// describes the arguments in JSON-schema form.
type Tool struct {
	Name        string
	Description string
	Schema      map[string]any
	Call        func(ctx context.Context, args map[string]any) (any, error)
}

// ServerMod hooks into the network service's pipelines. Process* callbacks
// may transform the envelope; returning nil consumes the message and stops
// the pipeline. ProcessModMessage is terminal: the mod owns its scoped
// messages and the return value is ignored.
type ServerMod interface {
	BindNetwork(n Network)
	Initialize() error
	Shutdown() error
	HandleRegisterAgent(agentID string, metadata map[string]any)
	HandleUnregisterAgent(agentID string)
	ProcessDirectMessage(env *message.Envelope) *message.Envelope
	ProcessBroadcastMessage(env *message.Envelope) *message.Envelope
	ProcessModMessage(env *message.Envelope)
	State() map[string]any
}

// Adapter hooks into an agent client's pipelines, symmetric to ServerMod
// plus outgoing hooks applied before the connector writes to the transport.
type Adapter interface {
	BindAgent(agentID string)
	BindConnector(c Connector)
	OnConnect()
	OnDisconnect()
	ProcessIncomingDirectMessage(env *message.Envelope) *message.Envelope
	ProcessIncomingBroadcastMessage(env *message.Envelope) *message.Envelope
	ProcessIncomingModMessage(env *message.Envelope) *message.Envelope
	ProcessOutgoingDirectMessage(env *message.Envelope) *message.Envelope
	ProcessOutgoingBroadcastMessage(env *message.Envelope) *message.Envelope
	ProcessOutgoingModMessage(env *message.Envelope) *message.Envelope
	Tools() []Tool
}

// BaseMod is the no-op ServerMod. Embed it so mods only implement the
// callbacks they care about.
type BaseMod struct{}

func (BaseMod) BindNetwork(Network)                        {}
func (BaseMod) Initialize() error                          { return nil }
func (BaseMod) Shutdown() error                            { return nil }
func (BaseMod) HandleRegisterAgent(string, map[string]any) {}
func (BaseMod) HandleUnregisterAgent(string)               {}
func (BaseMod) ProcessDirectMessage(env *message.Envelope) *message.Envelope {
	return env
}
func (BaseMod) ProcessBroadcastMessage(env *message.Envelope) *message.Envelope {
	return env
}
func (BaseMod) ProcessModMessage(*message.Envelope) {}
func (BaseMod) State() map[string]any               { return nil }

// BaseAdapter is the no-op Adapter.
type BaseAdapter struct{}

func (BaseAdapter) BindAgent(string)        {}
func (BaseAdapter) BindConnector(Connector) {}
func (BaseAdapter) OnConnect()              {}
func (BaseAdapter) OnDisconnect()           {}
func (BaseAdapter) ProcessIncomingDirectMessage(env *message.Envelope) *message.Envelope {
	return env
}
func (BaseAdapter) ProcessIncomingBroadcastMessage(env *message.Envelope) *message.Envelope {
	return env
}
func (BaseAdapter) ProcessIncomingModMessage(env *message.Envelope) *message.Envelope {
	return env
}
func (BaseAdapter) ProcessOutgoingDirectMessage(env *message.Envelope) *message.Envelope {
	return env
}
func (BaseAdapter) ProcessOutgoingBroadcastMessage(env *message.Envelope) *message.Envelope {
	return env
}
func (BaseAdapter) ProcessOutgoingModMessage(env *message.Envelope) *message.Envelope {
	return env
}
func (BaseAdapter) Tools() []Tool { return nil }
