// Package topology maintains the directory of agents on a network and
// decides how envelopes reach their destinations. Two strategies share one
// interface: a centralized star around a coordinator, and a decentralized
// gossip mesh.
package topology

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/clock"
	"github.com/agentmesh/agentmesh/internal/message"
)

// Routing errors. Neither causes a disconnect; both surface as error frames
// back to the sender.
var (
	ErrUndeliverable = errors.New("target agent not in directory")
	ErrModUnknown    = errors.New("mod not registered")
)

// AgentInfo is a directory entry for one agent.
type AgentInfo struct {
	AgentID       string         `json:"agent_id"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	TransportType string         `json:"transport_type,omitempty"`
	Address       string         `json:"address,omitempty"`
	LastSeen      time.Time      `json:"last_seen"`

	// ConnectionID is the transport-local association, set only for agents
	// attached to this node. Never serialized.
	ConnectionID string `json:"-"`
}

// Topology is the contract shared by the centralized and decentralized
// strategies.
type Topology interface {
	// Register inserts or refreshes a directory entry.
	Register(info AgentInfo) error

	// Unregister removes an agent from the directory.
	Unregister(agentID string)

	// Get returns the directory entry for one agent.
	Get(agentID string) (AgentInfo, bool)

	// List returns entries matching all the given capabilities (nil
	// matches everything).
	List(capabilities []string) []AgentInfo

	// Route delivers an envelope to its destination(s).
	Route(env *message.Envelope) error

	// DiscoverPeers finds agents matching the capabilities, possibly by
	// querying other nodes.
	DiscoverPeers(ctx context.Context, capabilities []string) ([]AgentInfo, error)
}

// Directory is the mutex-guarded agent index shared by both strategies.
// Registration state lives here; connection ownership stays with the
// transport (the directory holds only the agent_id -> connection_id index).
type Directory struct {
	mu     sync.RWMutex
	agents map[string]*AgentInfo
	clk    clock.Clock
}

// NewDirectory creates an empty directory.
func NewDirectory(clk clock.Clock) *Directory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Directory{
		agents: make(map[string]*AgentInfo),
		clk:    clk,
	}
}

// Register inserts or refreshes an entry, stamping LastSeen.
func (d *Directory) Register(info AgentInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info.LastSeen = d.clk.Now()
	cp := info
	d.agents[info.AgentID] = &cp
}

// Unregister removes an entry. Idempotent.
func (d *Directory) Unregister(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.agents, agentID)
}

// Get returns a copy of the entry for agentID.
func (d *Directory) Get(agentID string) (AgentInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.agents[agentID]
	if !ok {
		return AgentInfo{}, false
	}
	return *info, true
}

// List returns entries matching all given capabilities, sorted by agent ID
// for stable output.
func (d *Directory) List(capabilities []string) []AgentInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]AgentInfo, 0, len(d.agents))
	for _, info := range d.agents {
		if hasCapabilities(info.Capabilities, capabilities) {
			out = append(out, *info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Touch refreshes LastSeen for an agent.
func (d *Directory) Touch(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if info, ok := d.agents[agentID]; ok {
		info.LastSeen = d.clk.Now()
	}
}

// ConnectionID returns the transport association for a locally attached
// agent.
func (d *Directory) ConnectionID(agentID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.agents[agentID]
	if !ok || info.ConnectionID == "" {
		return "", false
	}
	return info.ConnectionID, true
}

// ByConnection finds the agent attached over the given connection.
func (d *Directory) ByConnection(connID string) (AgentInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, info := range d.agents {
		if info.ConnectionID == connID {
			return *info, true
		}
	}
	return AgentInfo{}, false
}

// Count returns the number of registered agents.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.agents)
}

// hasCapabilities reports whether have contains every element of want.
func hasCapabilities(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return false
		}
	}
	return true
}
