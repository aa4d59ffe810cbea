package topology

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/clock"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/message"
	"github.com/agentmesh/agentmesh/internal/metrics"
	"github.com/agentmesh/agentmesh/internal/transport"
)

// Gossip commands carried in system_request frames between nodes. They are
// node-to-node control traffic; agents never see them.
const (
	GossipHello     = "gossip_hello"
	GossipAnnounce  = "gossip_announce"
	GossipWithdraw  = "gossip_withdraw"
	GossipQuery     = "gossip_query"
	GossipReply     = "gossip_reply"
	GossipRelay     = "gossip_relay"
	GossipBroadcast = "gossip_broadcast"
)

// defaultMaxHops bounds direct-message relays.
const defaultMaxHops = 3

// defaultQueryWindow bounds how long DiscoverPeers aggregates replies.
const defaultQueryWindow = 2 * time.Second

// seenTTL is how long announce and message dedup entries are kept.
const seenTTL = 5 * time.Minute

// peerLink is an established node-to-node connection.
type peerLink struct {
	connID string
	addr   string
	mods   map[string]bool // mods the peer has announced
}

// Decentralized is the gossip topology: each node holds a partial directory
// and floods announces, queries, and relays to its known peers.
type Decentralized struct {
	nodeID string
	dir    *Directory
	tr     transport.Transport
	bus    *events.Bus
	log    *slog.Logger
	clk    clock.Clock

	maxHops int
	window  time.Duration

	mu        sync.Mutex
	peers     map[string]*peerLink // connID -> link
	agentVia  map[string]string    // remote agent -> peer connID that announced it
	seen      map[string]time.Time // dedup: announce keys and message IDs
	pending   map[string]chan []AgentInfo
	localMods func() []string // mods served by this node, advertised to peers
}

// NewDecentralized creates a gossip topology for one node.
func NewDecentralized(nodeID string, dir *Directory, tr transport.Transport, bus *events.Bus, clk clock.Clock, log *slog.Logger) *Decentralized {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Decentralized{
		nodeID:    nodeID,
		dir:       dir,
		tr:        tr,
		bus:       bus,
		log:       log.With("component", "topology-gossip", "node", nodeID),
		clk:       clk,
		maxHops:   defaultMaxHops,
		window:    defaultQueryWindow,
		peers:     make(map[string]*peerLink),
		agentVia:  make(map[string]string),
		seen:      make(map[string]time.Time),
		pending:   make(map[string]chan []AgentInfo),
		localMods: func() []string { return nil },
	}
}

// SetLocalMods wires the mod registry lookup advertised to peers.
func (d *Decentralized) SetLocalMods(f func() []string) {
	d.mu.Lock()
	d.localMods = f
	d.mu.Unlock()
}

// SetQueryWindow overrides the discovery aggregation window.
func (d *Decentralized) SetQueryWindow(w time.Duration) {
	d.mu.Lock()
	d.window = w
	d.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Peer management
// ---------------------------------------------------------------------------

// AddPeer records an established node-to-node connection.
func (d *Decentralized) AddPeer(connID, addr string, mods []string) {
	link := &peerLink{connID: connID, addr: addr, mods: make(map[string]bool, len(mods))}
	for _, m := range mods {
		link.mods[m] = true
	}
	d.mu.Lock()
	d.peers[connID] = link
	d.mu.Unlock()
	d.log.Info("peer linked", "peer_conn", connID, "addr", addr)
}

// RemovePeer drops a dead node link and every remote agent learned from it.
func (d *Decentralized) RemovePeer(connID string) {
	d.mu.Lock()
	delete(d.peers, connID)
	var lost []string
	for agent, via := range d.agentVia {
		if via == connID {
			lost = append(lost, agent)
			delete(d.agentVia, agent)
		}
	}
	d.mu.Unlock()

	for _, agent := range lost {
		d.dir.Unregister(agent)
	}
	if len(lost) > 0 {
		d.log.Info("peer lost, remote agents dropped", "peer_conn", connID, "agents", len(lost))
	}
}

// Peers returns the connection IDs of all linked peers.
func (d *Decentralized) Peers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.peers))
	for id := range d.peers {
		out = append(out, id)
	}
	return out
}

// ---------------------------------------------------------------------------
// Topology interface
// ---------------------------------------------------------------------------

// Register inserts the agent locally and floods a TTL-bounded announce.
func (d *Decentralized) Register(info AgentInfo) error {
	d.dir.Register(info)
	metrics.AgentsRegistered.Set(float64(d.dir.Count()))
	d.bus.Publish(events.Event{
		Type:         events.EventAgentRegistered,
		AgentID:      info.AgentID,
		ConnectionID: info.ConnectionID,
		Message:      fmt.Sprintf("agent %s registered on node %s", info.AgentID, d.nodeID),
	})

	issuedAt := d.clk.Now().Unix()
	d.markSeen(announceKey(info.AgentID, issuedAt))
	d.flood(GossipAnnounce, map[string]any{
		"agent":     publicInfo(info),
		"issued_at": issuedAt,
		"ttl":       d.maxHops,
	}, "")
	return nil
}

// Unregister removes the agent and withdraws it from peers.
func (d *Decentralized) Unregister(agentID string) {
	d.dir.Unregister(agentID)
	metrics.AgentsRegistered.Set(float64(d.dir.Count()))
	d.bus.Publish(events.Event{
		Type:    events.EventAgentUnregistered,
		AgentID: agentID,
	})
	d.flood(GossipWithdraw, map[string]any{
		"agent_id":  agentID,
		"issued_at": d.clk.Now().Unix(),
		"ttl":       d.maxHops,
	}, "")
}

// Get consults the partial directory.
func (d *Decentralized) Get(agentID string) (AgentInfo, bool) {
	return d.dir.Get(agentID)
}

// List consults the partial directory.
func (d *Decentralized) List(capabilities []string) []AgentInfo {
	return d.dir.List(capabilities)
}

// Route delivers an envelope: locally when the target is attached here,
// otherwise through bounded-hop relays or TTL gossip.
func (d *Decentralized) Route(env *message.Envelope) error {
	switch env.Type {
	case message.TypeDirect:
		return d.routeDirect(env, d.maxHops)
	case message.TypeBroadcast:
		return d.routeBroadcast(env, d.maxHops, "")
	case message.TypeMod:
		return d.routeMod(env, d.maxHops, "")
	default:
		return fmt.Errorf("unroutable message type %q", env.Type)
	}
}

func (d *Decentralized) routeDirect(env *message.Envelope, hops int) error {
	if connID, ok := d.dir.ConnectionID(env.TargetAgentID); ok {
		f, err := transport.MessageFrame(env)
		if err != nil {
			return err
		}
		metrics.MessagesRouted.WithLabelValues(string(env.Type)).Inc()
		return d.tr.Send(connID, f)
	}
	if hops <= 0 {
		metrics.MessagesDropped.WithLabelValues("undeliverable").Inc()
		return fmt.Errorf("%w: %s (hop budget exhausted)", ErrUndeliverable, env.TargetAgentID)
	}

	args := map[string]any{"envelope": env, "hops": hops - 1}

	// Prefer the peer that announced the target; flood as a fallback.
	d.mu.Lock()
	via, known := d.agentVia[env.TargetAgentID]
	d.mu.Unlock()
	if known {
		return d.sendGossip(via, GossipRelay, args, "")
	}
	d.flood(GossipRelay, args, "")
	return nil
}

func (d *Decentralized) routeBroadcast(env *message.Envelope, ttl int, fromPeer string) error {
	f, err := transport.MessageFrame(env)
	if err != nil {
		return err
	}
	senderConn, _ := d.dir.ConnectionID(env.SenderID)
	for _, info := range d.dir.List(nil) {
		if info.ConnectionID == "" || info.ConnectionID == senderConn || info.AgentID == env.SenderID {
			continue
		}
		if err := d.tr.Send(info.ConnectionID, f); err != nil {
			d.log.Warn("broadcast delivery failed", "agent", info.AgentID, "error", err)
		}
	}
	metrics.MessagesRouted.WithLabelValues(string(env.Type)).Inc()

	if ttl > 0 {
		d.flood(GossipBroadcast, map[string]any{"envelope": env, "ttl": ttl - 1}, fromPeer)
	}
	return nil
}

// routeMod gossips a mod message to peers that have announced the mod.
// Local handling (the terminal mod callback) belongs to the service; an
// inbound-direction message targeting a locally attached agent is delivered
// like a direct.
func (d *Decentralized) routeMod(env *message.Envelope, ttl int, fromPeer string) error {
	if env.Direction == message.DirectionInbound {
		if connID, ok := d.dir.ConnectionID(env.RelevantAgentID); ok {
			f, err := transport.MessageFrame(env)
			if err != nil {
				return err
			}
			metrics.MessagesRouted.WithLabelValues(string(env.Type)).Inc()
			return d.tr.Send(connID, f)
		}
	}
	if ttl <= 0 {
		return nil
	}

	args := map[string]any{"envelope": env, "ttl": ttl - 1}
	d.mu.Lock()
	var targets []string
	for connID, link := range d.peers {
		if connID != fromPeer && link.mods[env.Mod] {
			targets = append(targets, connID)
		}
	}
	d.mu.Unlock()
	for _, connID := range targets {
		if err := d.sendGossip(connID, GossipBroadcast, args, ""); err != nil {
			d.log.Warn("mod gossip failed", "peer_conn", connID, "error", err)
		}
	}
	return nil
}

// DiscoverPeers queries all linked peers and aggregates replies within the
// configured window, merged with the local view.
func (d *Decentralized) DiscoverPeers(ctx context.Context, capabilities []string) ([]AgentInfo, error) {
	queryID := uuid.NewString()
	replies := make(chan []AgentInfo, 16)

	d.mu.Lock()
	d.pending[queryID] = replies
	window := d.window
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, queryID)
		d.mu.Unlock()
	}()

	d.flood(GossipQuery, map[string]any{
		"id":           queryID,
		"capabilities": capabilities,
	}, "")

	found := make(map[string]AgentInfo)
	for _, info := range d.dir.List(capabilities) {
		found[info.AgentID] = info
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return collect(found), ctx.Err()
		case <-timer.C:
			return collect(found), nil
		case agents := <-replies:
			for _, info := range agents {
				if hasCapabilities(info.Capabilities, capabilities) {
					found[info.AgentID] = info
					d.dir.Register(info)
				}
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Gossip frame handling
// ---------------------------------------------------------------------------

// HandleGossip processes a node-to-node system request. It reports whether
// the command was a gossip command; unhandled commands fall through to the
// service's normal system handling.
func (d *Decentralized) HandleGossip(connID string, req *transport.SystemRequest, correlationID string) bool {
	switch req.Command {
	case GossipHello:
		d.handleGossipHello(connID, req.Args)
	case GossipAnnounce:
		d.handleAnnounce(connID, req.Args)
	case GossipWithdraw:
		d.handleWithdraw(connID, req.Args)
	case GossipQuery:
		d.handleQuery(connID, req.Args, correlationID)
	case GossipReply:
		d.handleReply(req.Args)
	case GossipRelay:
		d.handleRelay(connID, req.Args)
	case GossipBroadcast:
		d.handleGossipBroadcast(connID, req.Args)
	default:
		return false
	}
	return true
}

// handleGossipHello refreshes the link state for a peer: its advertised
// address and the mods it serves. Both sides send one right after the link
// comes up.
func (d *Decentralized) handleGossipHello(fromConn string, args map[string]any) {
	addr, _ := args["address"].(string)
	var mods []string
	decodeArg(args, "mods", &mods)

	d.mu.Lock()
	link, ok := d.peers[fromConn]
	if !ok {
		link = &peerLink{connID: fromConn}
		d.peers[fromConn] = link
	}
	if addr != "" {
		link.addr = addr
	}
	link.mods = make(map[string]bool, len(mods))
	for _, m := range mods {
		link.mods[m] = true
	}
	d.mu.Unlock()

	d.AnnounceLocal()
}

// SendGossipHello advertises this node's address and mods over a peer link.
func (d *Decentralized) SendGossipHello(connID, addr string) error {
	return d.sendGossip(connID, GossipHello, map[string]any{
		"node_id": d.nodeID,
		"address": addr,
		"mods":    d.localModsLocked(),
	}, "")
}

func (d *Decentralized) localModsLocked() []string {
	d.mu.Lock()
	f := d.localMods
	d.mu.Unlock()
	return f()
}

func (d *Decentralized) handleAnnounce(fromConn string, args map[string]any) {
	var info AgentInfo
	if !decodeArg(args, "agent", &info) || info.AgentID == "" {
		return
	}
	issuedAt := argInt(args, "issued_at")
	ttl := argInt(args, "ttl")

	if !d.markSeen(announceKey(info.AgentID, int64(issuedAt))) {
		return // duplicate announce
	}

	// Remote agents carry no local connection.
	info.ConnectionID = ""
	d.dir.Register(info)
	d.mu.Lock()
	d.agentVia[info.AgentID] = fromConn
	d.mu.Unlock()

	if ttl > 0 {
		d.flood(GossipAnnounce, map[string]any{
			"agent":     publicInfo(info),
			"issued_at": issuedAt,
			"ttl":       ttl - 1,
		}, fromConn)
	}
}

func (d *Decentralized) handleWithdraw(fromConn string, args map[string]any) {
	agentID, _ := args["agent_id"].(string)
	if agentID == "" {
		return
	}
	issuedAt := argInt(args, "issued_at")
	if !d.markSeen("withdraw/" + agentID + "/" + fmt.Sprint(issuedAt)) {
		return
	}

	// Only remote entries are withdrawn; a locally attached agent is
	// authoritative here.
	if _, local := d.dir.ConnectionID(agentID); !local {
		d.dir.Unregister(agentID)
	}
	d.mu.Lock()
	delete(d.agentVia, agentID)
	d.mu.Unlock()

	if ttl := argInt(args, "ttl"); ttl > 0 {
		d.flood(GossipWithdraw, map[string]any{
			"agent_id":  agentID,
			"issued_at": issuedAt,
			"ttl":       ttl - 1,
		}, fromConn)
	}
}

func (d *Decentralized) handleQuery(fromConn string, args map[string]any, correlationID string) {
	queryID, _ := args["id"].(string)
	if queryID == "" {
		return
	}
	var capabilities []string
	decodeArg(args, "capabilities", &capabilities)

	// Reply with locally attached agents only; the querier reaches other
	// nodes itself.
	var local []AgentInfo
	for _, info := range d.dir.List(capabilities) {
		if info.ConnectionID != "" {
			local = append(local, publicInfo(info))
		}
	}
	if err := d.sendGossip(fromConn, GossipReply, map[string]any{
		"id":     queryID,
		"agents": local,
	}, correlationID); err != nil {
		d.log.Warn("gossip reply failed", "peer_conn", fromConn, "error", err)
	}
}

func (d *Decentralized) handleReply(args map[string]any) {
	queryID, _ := args["id"].(string)
	var agents []AgentInfo
	decodeArg(args, "agents", &agents)

	d.mu.Lock()
	ch, ok := d.pending[queryID]
	d.mu.Unlock()
	if !ok {
		return // window already closed
	}
	select {
	case ch <- agents:
	default:
	}
}

func (d *Decentralized) handleRelay(fromConn string, args map[string]any) {
	var env message.Envelope
	if !decodeArg(args, "envelope", &env) {
		return
	}
	if !d.markSeen("relay/" + env.ID) {
		return
	}
	hops := argInt(args, "hops")
	if err := d.routeDirect(&env, hops); err != nil {
		d.log.Debug("relay failed", "message_id", env.ID, "target", env.TargetAgentID, "error", err)
	}
}

func (d *Decentralized) handleGossipBroadcast(fromConn string, args map[string]any) {
	var env message.Envelope
	if !decodeArg(args, "envelope", &env) {
		return
	}
	if !d.markSeen("bcast/" + env.ID) {
		return
	}
	ttl := argInt(args, "ttl")
	switch env.Type {
	case message.TypeMod:
		_ = d.routeMod(&env, ttl, fromConn)
	default:
		_ = d.routeBroadcast(&env, ttl, fromConn)
	}
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// flood sends a gossip command to every peer except one.
func (d *Decentralized) flood(command string, args map[string]any, exceptConn string) {
	d.mu.Lock()
	targets := make([]string, 0, len(d.peers))
	for connID := range d.peers {
		if connID != exceptConn {
			targets = append(targets, connID)
		}
	}
	d.mu.Unlock()

	for _, connID := range targets {
		if err := d.sendGossip(connID, command, args, ""); err != nil {
			d.log.Warn("gossip send failed", "peer_conn", connID, "command", command, "error", err)
		}
	}
}

func (d *Decentralized) sendGossip(connID, command string, args map[string]any, correlationID string) error {
	f, err := transport.NewFrame(transport.FrameSystemRequest, transport.SystemRequest{
		Command: command,
		Args:    args,
	})
	if err != nil {
		return err
	}
	f.CorrelationID = correlationID
	return d.tr.Send(connID, f)
}

// markSeen records a dedup key, returning false when it was already seen.
// Stale entries are pruned opportunistically.
func (d *Decentralized) markSeen(key string) bool {
	now := d.clk.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[key]; ok && now.Sub(at) < seenTTL {
		return false
	}
	d.seen[key] = now
	if len(d.seen) > 4096 {
		for k, at := range d.seen {
			if now.Sub(at) >= seenTTL {
				delete(d.seen, k)
			}
		}
	}
	return true
}

// AnnounceLocal re-floods every locally attached agent. Called on a timer
// when discovery is enabled, and after new peer links are established.
func (d *Decentralized) AnnounceLocal() {
	issuedAt := d.clk.Now().Unix()
	for _, info := range d.dir.List(nil) {
		if info.ConnectionID == "" {
			continue
		}
		d.markSeen(announceKey(info.AgentID, issuedAt))
		d.flood(GossipAnnounce, map[string]any{
			"agent":     publicInfo(info),
			"issued_at": issuedAt,
			"ttl":       d.maxHops,
		}, "")
	}
}

func announceKey(agentID string, issuedAt int64) string {
	return fmt.Sprintf("announce/%s/%d", agentID, issuedAt)
}

// collect flattens an aggregation map into the list DiscoverPeers returns.
func collect(found map[string]AgentInfo) []AgentInfo {
	out := make([]AgentInfo, 0, len(found))
	for _, info := range found {
		out = append(out, info)
	}
	return out
}

// publicInfo strips node-local state before an entry crosses the wire.
func publicInfo(info AgentInfo) AgentInfo {
	info.ConnectionID = ""
	return info
}

// decodeArg re-marshals a loosely typed gossip argument into v.
func decodeArg(args map[string]any, key string, v any) bool {
	raw, ok := args[key]
	if !ok || raw == nil {
		return false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

var _ Topology = (*Decentralized)(nil)
