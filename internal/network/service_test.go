package network

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/identity"
	"github.com/agentmesh/agentmesh/internal/message"
	"github.com/agentmesh/agentmesh/internal/mods"
	"github.com/agentmesh/agentmesh/internal/transport"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// dropMod consumes direct messages whose content carries drop=true.
type dropMod struct {
	mods.BaseMod
}

func (m *dropMod) ProcessDirectMessage(env *message.Envelope) *message.Envelope {
	if drop, _ := env.Content["drop"].(bool); drop {
		return nil
	}
	return env
}

// recordMod records mod-scoped messages it receives.
type recordMod struct {
	mods.BaseMod
	mu   sync.Mutex
	seen []*message.Envelope
}

func (m *recordMod) ProcessModMessage(env *message.Envelope) {
	m.mu.Lock()
	m.seen = append(m.seen, env)
	m.mu.Unlock()
}

func (m *recordMod) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

// boomMod panics on content boom=true.
type boomMod struct {
	mods.BaseMod
}

func (m *boomMod) ProcessDirectMessage(env *message.Envelope) *message.Envelope {
	if boom, _ := env.Content["boom"].(bool); boom {
		panic("mod exploded")
	}
	return env
}

func writeManifest(t *testing.T, root, mod string) {
	t.Helper()
	dir := filepath.Join(root, mod)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	body := "server_mod: server\nversion: \"1.0\"\n"
	if err := os.WriteFile(filepath.Join(dir, "mod_manifest.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

// startService boots a coordinator on an ephemeral port.
func startService(t *testing.T, reg *mods.Registry, modNames []string) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Mods = modNames

	svc, err := New(cfg, reg, discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = svc.Stop(ctx)
	})
	return svc
}

// testPeer is a raw transport client attached to the service under test.
type testPeer struct {
	tr     *transport.WebSocket
	connID string
	ack    *transport.HelloAck

	mu     sync.Mutex
	frames []*transport.Frame
}

func connectPeer(t *testing.T, svc *Service, agentID string, cert *identity.Certificate) *testPeer {
	t.Helper()
	p := dialPeer(t, svc, agentID, cert)
	if !p.ack.Accepted {
		t.Fatalf("hello for %s rejected: %s", agentID, p.ack.Reason)
	}
	return p
}

func dialPeer(t *testing.T, svc *Service, agentID string, cert *identity.Certificate) *testPeer {
	t.Helper()
	tr := transport.NewWebSocket(transport.Options{}, discard())
	p := &testPeer{tr: tr}
	tr.Subscribe(func(_ string, f *transport.Frame) {
		p.mu.Lock()
		p.frames = append(p.frames, f)
		p.mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	connID, ack, err := tr.Dial(ctx, svc.Addr(), &transport.Hello{AgentID: agentID, Certificate: cert})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	p.connID = connID
	p.ack = ack
	t.Cleanup(func() {
		shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shCancel()
		_ = tr.Shutdown(shCtx)
	})
	return p
}

func (p *testPeer) sendEnvelope(t *testing.T, env *message.Envelope) {
	t.Helper()
	f, err := transport.MessageFrame(env)
	if err != nil {
		t.Fatalf("MessageFrame: %v", err)
	}
	if err := p.tr.Send(p.connID, f); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

// envelopes returns the message envelopes received so far.
func (p *testPeer) envelopes() []*message.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*message.Envelope
	for _, f := range p.frames {
		if f.Type != transport.FrameMessage {
			continue
		}
		if env, err := f.Envelope(); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (p *testPeer) awaitEnvelopes(t *testing.T, n int) []*message.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if envs := p.envelopes(); len(envs) >= n {
			return envs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d envelopes, have %d", n, len(p.envelopes()))
	return nil
}

// systemRequest issues one request and awaits its correlated response.
func (p *testPeer) systemRequest(t *testing.T, command string, args map[string]any) *transport.SystemResponse {
	t.Helper()
	// Unique per request: repeated commands must not collide on stale
	// responses.
	correlationID := uuid.NewString()
	f, _ := transport.NewFrame(transport.FrameSystemRequest, transport.SystemRequest{
		Command: command,
		Args:    args,
	})
	f.CorrelationID = correlationID
	if err := p.tr.Send(p.connID, f); err != nil {
		t.Fatalf("send system_request: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		for _, fr := range p.frames {
			if fr.Type == transport.FrameSystemResponse && fr.CorrelationID == correlationID {
				p.mu.Unlock()
				var resp transport.SystemResponse
				if err := fr.DecodeBody(&resp); err != nil {
					t.Fatalf("decode system_response: %v", err)
				}
				return &resp
			}
		}
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no response for %s", command)
	return nil
}

func TestAdmissionIssuesCertificate(t *testing.T) {
	svc := startService(t, mods.NewRegistry(t.TempDir(), discard()), nil)

	p := connectPeer(t, svc, "alpha", nil)
	if p.ack.Certificate == nil {
		t.Fatal("hello_ack carried no certificate")
	}
	if p.ack.Certificate.AgentID != "alpha" {
		t.Fatalf("certificate agent = %q", p.ack.Certificate.AgentID)
	}
	if err := svc.Identity().Validate(p.ack.Certificate); err != nil {
		t.Fatalf("issued certificate does not validate: %v", err)
	}
}

func TestAgentIDInUseRejected(t *testing.T) {
	svc := startService(t, mods.NewRegistry(t.TempDir(), discard()), nil)

	connectPeer(t, svc, "alpha", nil)
	second := dialPeer(t, svc, "alpha", nil)
	if second.ack.Accepted {
		t.Fatal("duplicate claim was admitted")
	}
	if second.ack.Reason != transport.CodeAgentIDInUse {
		t.Fatalf("reason = %q, want %q", second.ack.Reason, transport.CodeAgentIDInUse)
	}
}

func TestCertificateReconnectSupersedes(t *testing.T) {
	svc := startService(t, mods.NewRegistry(t.TempDir(), discard()), nil)

	first := connectPeer(t, svc, "alpha", nil)
	cert := first.ack.Certificate

	// Reconnecting with the certificate is admitted even while the old
	// connection is still up; the old connection is dropped.
	second := dialPeer(t, svc, "alpha", cert)
	if !second.ack.Accepted {
		t.Fatalf("certificate reconnect rejected: %s", second.ack.Reason)
	}

	// A tampered certificate is refused.
	bad := *cert
	bad.ExpiresAt++
	third := dialPeer(t, svc, "alpha", &bad)
	if third.ack.Accepted {
		t.Fatal("tampered certificate admitted")
	}
}

func TestPipelineDropsConsumedMessages(t *testing.T) {
	modRoot := t.TempDir()
	reg := mods.NewRegistry(modRoot, discard())
	writeManifest(t, modRoot, "filter")
	reg.RegisterServerFactory("filter", "server", func() mods.ServerMod { return &dropMod{} })

	svc := startService(t, reg, []string{"filter"})
	a1 := connectPeer(t, svc, "a1", nil)
	a2 := connectPeer(t, svc, "a2", nil)

	a1.sendEnvelope(t, message.NewDirect("a1", "a2", map[string]any{"drop": true, "n": float64(1)}))
	a1.sendEnvelope(t, message.NewDirect("a1", "a2", map[string]any{"n": float64(2)}))

	a2.awaitEnvelopes(t, 1)
	time.Sleep(100 * time.Millisecond)
	envs := a2.envelopes()
	if len(envs) != 1 {
		t.Fatalf("a2 received %d envelopes, want 1", len(envs))
	}
	if envs[0].Content["n"] != float64(2) {
		t.Fatalf("surviving envelope = %+v", envs[0].Content)
	}
}

func TestModMessageTerminalAtServerMod(t *testing.T) {
	modRoot := t.TempDir()
	reg := mods.NewRegistry(modRoot, discard())
	writeManifest(t, modRoot, "m")
	rec := &recordMod{}
	reg.RegisterServerFactory("m", "server", func() mods.ServerMod { return rec })

	svc := startService(t, reg, []string{"m"})
	a1 := connectPeer(t, svc, "a1", nil)
	a2 := connectPeer(t, svc, "a2", nil)

	a1.sendEnvelope(t, message.NewMod("a1", "m", message.DirectionOutbound, "a2", map[string]any{"x": float64(1)}))

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count() != 1 {
		t.Fatalf("mod saw %d messages, want 1", rec.count())
	}

	// Terminal: a2 never sees the outbound mod message.
	time.Sleep(100 * time.Millisecond)
	if got := a2.envelopes(); len(got) != 0 {
		t.Fatalf("a2 received %d envelopes, want 0", len(got))
	}
}

func TestModPanicDropsOnlyThatMessage(t *testing.T) {
	modRoot := t.TempDir()
	reg := mods.NewRegistry(modRoot, discard())
	writeManifest(t, modRoot, "boom")
	reg.RegisterServerFactory("boom", "server", func() mods.ServerMod { return &boomMod{} })

	svc := startService(t, reg, []string{"boom"})
	a1 := connectPeer(t, svc, "a1", nil)
	a2 := connectPeer(t, svc, "a2", nil)

	a1.sendEnvelope(t, message.NewDirect("a1", "a2", map[string]any{"boom": true}))
	a1.sendEnvelope(t, message.NewDirect("a1", "a2", map[string]any{"ok": true}))

	envs := a2.awaitEnvelopes(t, 1)
	if ok, _ := envs[0].Content["ok"].(bool); !ok {
		t.Fatalf("surviving envelope = %+v", envs[0].Content)
	}
}

func TestSenderIDMismatchDropped(t *testing.T) {
	svc := startService(t, mods.NewRegistry(t.TempDir(), discard()), nil)
	a1 := connectPeer(t, svc, "a1", nil)
	a2 := connectPeer(t, svc, "a2", nil)

	a1.sendEnvelope(t, message.NewDirect("impostor", "a2", map[string]any{"n": float64(1)}))
	a1.sendEnvelope(t, message.NewDirect("a1", "a2", map[string]any{"n": float64(2)}))

	envs := a2.awaitEnvelopes(t, 1)
	if envs[0].SenderID != "a1" {
		t.Fatalf("spoofed envelope delivered: %+v", envs[0])
	}
	time.Sleep(100 * time.Millisecond)
	if got := a2.envelopes(); len(got) != 1 {
		t.Fatalf("a2 received %d envelopes, want 1", len(got))
	}
}

func TestSystemRequests(t *testing.T) {
	modRoot := t.TempDir()
	reg := mods.NewRegistry(modRoot, discard())
	writeManifest(t, modRoot, "m")
	reg.RegisterServerFactory("m", "server", func() mods.ServerMod { return &recordMod{} })

	svc := startService(t, reg, []string{"m"})
	p := connectPeer(t, svc, "alpha", nil)

	resp := p.systemRequest(t, "list_agents", nil)
	if !resp.OK {
		t.Fatalf("list_agents: %s", resp.Error)
	}
	var agents []AgentSummary
	if err := json.Unmarshal(resp.Data, &agents); err != nil {
		t.Fatalf("unmarshal agents: %v", err)
	}
	if len(agents) != 1 || agents[0].AgentID != "alpha" || !agents[0].Connected {
		t.Fatalf("agents = %+v", agents)
	}

	resp = p.systemRequest(t, "list_mods", nil)
	if !resp.OK {
		t.Fatalf("list_mods: %s", resp.Error)
	}
	var infos []mods.ModInfo
	if err := json.Unmarshal(resp.Data, &infos); err != nil {
		t.Fatalf("unmarshal mods: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "m" || infos[0].Version != "1.0" {
		t.Fatalf("mods = %+v", infos)
	}

	resp = p.systemRequest(t, "claim_agent_id", map[string]any{"agent_id": "beta"})
	if !resp.OK {
		t.Fatalf("claim_agent_id: %s", resp.Error)
	}
	var cert identity.Certificate
	if err := json.Unmarshal(resp.Data, &cert); err != nil {
		t.Fatalf("unmarshal cert: %v", err)
	}
	if err := svc.Identity().Validate(&cert); err != nil {
		t.Fatalf("claimed certificate does not validate: %v", err)
	}

	// Claiming the same ID again fails with AgentIDInUse.
	resp = p.systemRequest(t, "claim_agent_id", map[string]any{"agent_id": "beta"})
	if resp.OK || resp.Error != transport.CodeAgentIDInUse {
		t.Fatalf("second claim = %+v", resp)
	}
}

func TestUnknownModAnsweredWithErrorFrame(t *testing.T) {
	svc := startService(t, mods.NewRegistry(t.TempDir(), discard()), nil)
	p := connectPeer(t, svc, "a1", nil)

	// The envelope itself is well formed (mod messages require a relevant
	// agent); only the mod name is unresolvable.
	p.sendEnvelope(t, message.NewMod("a1", "ghost", message.DirectionOutbound, "a1", map[string]any{"x": float64(1)}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		for _, f := range p.frames {
			if f.Type == transport.FrameError {
				var body transport.ErrorBody
				_ = f.DecodeBody(&body)
				p.mu.Unlock()
				if body.Code != transport.CodeModUnknown {
					t.Fatalf("error code = %q, want %q", body.Code, transport.CodeModUnknown)
				}
				return
			}
		}
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no error frame for unknown mod")
}
