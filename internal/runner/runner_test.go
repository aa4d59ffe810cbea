package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/agentmesh/internal/client"
	"github.com/agentmesh/agentmesh/internal/config"
	"github.com/agentmesh/agentmesh/internal/connector"
	"github.com/agentmesh/agentmesh/internal/message"
	"github.com/agentmesh/agentmesh/internal/mods"
	"github.com/agentmesh/agentmesh/internal/network"
	"github.com/agentmesh/agentmesh/internal/transport"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startCoordinator(t *testing.T, reg *mods.Registry, modNames []string) *network.Service {
	t.Helper()
	if reg == nil {
		reg = mods.NewRegistry(t.TempDir(), discard())
	}
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Mods = modNames

	svc, err := network.New(cfg, reg, discard())
	if err != nil {
		t.Fatalf("network.New: %v", err)
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

func newClient(t *testing.T, agentID string) *client.Client {
	t.Helper()
	conn := connector.New(transport.Options{}, discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Shutdown(ctx)
	})
	return client.New(agentID, conn, discard())
}

func connectClient(t *testing.T, svc *network.Service, agentID string) *client.Client {
	t.Helper()
	c := newClient(t, agentID)
	if err := c.Connect(context.Background(), svc.Addr(), nil); err != nil {
		t.Fatalf("connect %s: %v", agentID, err)
	}
	return c
}

// scriptAgent records reactions and checks that every snapshot it receives is
// causally consistent with the chosen envelope.
type scriptAgent struct {
	BaseAgent
	setupErr error

	mu            sync.Mutex
	setupCalls    int
	teardownCalls int
	reacted       []*message.Envelope
	violations    []string
}

func (a *scriptAgent) Setup(_ context.Context, _ *client.Client) error {
	a.mu.Lock()
	a.setupCalls++
	a.mu.Unlock()
	return a.setupErr
}

func (a *scriptAgent) React(_ context.Context, threads map[string][]*message.Envelope, _ string, env *message.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key, envs := range threads {
		for _, e := range envs {
			if e.Timestamp > env.Timestamp {
				a.violations = append(a.violations,
					fmt.Sprintf("thread %s holds %s (ts %f) newer than chosen %s (ts %f)",
						key, e.ID, e.Timestamp, env.ID, env.Timestamp))
			}
		}
	}
	a.reacted = append(a.reacted, env)
	return nil
}

func (a *scriptAgent) Teardown(context.Context) error {
	a.mu.Lock()
	a.teardownCalls++
	a.mu.Unlock()
	return nil
}

func (a *scriptAgent) reactedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reacted)
}

func (a *scriptAgent) reactedEnvelopes() []*message.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*message.Envelope(nil), a.reacted...)
}

func awaitReactions(t *testing.T, a *scriptAgent, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.reactedCount() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("reactions: want %d, have %d", n, a.reactedCount())
}

func startRunner(t *testing.T, svc *network.Service, agent Agent, agentID string, opts ...Option) *Runner {
	t.Helper()
	opts = append([]Option{WithInterval(10 * time.Millisecond)}, opts...)
	r := New(agent, newClient(t, agentID), discard(), opts...)
	if err := r.Start(context.Background(), svc.Addr(), nil); err != nil {
		t.Fatalf("runner Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func TestReactsOnceInTimestampOrder(t *testing.T) {
	svc := startCoordinator(t, nil, nil)
	sender := connectClient(t, svc, "sender")

	agent := &scriptAgent{}
	startRunner(t, svc, agent, "reactor")

	sent := make(map[string]bool, 3)
	for i := 0; i < 3; i++ {
		env, err := sender.SendDirect("reactor", map[string]any{"i": i})
		if err != nil {
			t.Fatalf("SendDirect %d: %v", i, err)
		}
		sent[env.ID] = true
	}

	awaitReactions(t, agent, 3)

	// No message reacted to twice, even after further idle sweeps.
	time.Sleep(50 * time.Millisecond)
	reacted := agent.reactedEnvelopes()
	if len(reacted) != 3 {
		t.Fatalf("reacted %d times, want 3", len(reacted))
	}
	for i, env := range reacted {
		if !sent[env.ID] {
			t.Fatalf("reacted to unknown envelope %s", env.ID)
		}
		delete(sent, env.ID)
		if i > 0 && env.Timestamp < reacted[i-1].Timestamp {
			t.Fatalf("reaction %d out of timestamp order: %f after %f", i, env.Timestamp, reacted[i-1].Timestamp)
		}
	}

	agent.mu.Lock()
	violations := agent.violations
	agent.mu.Unlock()
	if len(violations) != 0 {
		t.Fatalf("causal filter violated: %v", violations)
	}
}

func TestIgnoredSendersNeverReacted(t *testing.T) {
	svc := startCoordinator(t, nil, nil)
	noisy := connectClient(t, svc, "noisy")
	calm := connectClient(t, svc, "calm")

	agent := &scriptAgent{}
	startRunner(t, svc, agent, "reactor", WithIgnoredSenders("noisy"))

	if _, err := noisy.SendDirect("reactor", map[string]any{"text": "spam"}); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if _, err := calm.SendDirect("reactor", map[string]any{"text": "hello"}); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}

	awaitReactions(t, agent, 1)
	time.Sleep(50 * time.Millisecond)

	reacted := agent.reactedEnvelopes()
	if len(reacted) != 1 || reacted[0].SenderID != "calm" {
		t.Fatalf("reacted = %+v", reacted)
	}
}

func TestSetupFailureStopsRunner(t *testing.T) {
	svc := startCoordinator(t, nil, nil)

	agent := &scriptAgent{setupErr: errors.New("boom")}
	r := New(agent, newClient(t, "reactor"), discard(), WithInterval(10*time.Millisecond))

	err := r.Start(context.Background(), svc.Addr(), nil)
	if err == nil {
		t.Fatal("Start succeeded despite setup failure")
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %s, want %s", r.State(), StateStopped)
	}
	if r.Client().Connector().Connected() {
		t.Fatal("client still connected after setup failure")
	}
}

func TestReactErrorDoesNotRetry(t *testing.T) {
	svc := startCoordinator(t, nil, nil)
	sender := connectClient(t, svc, "sender")

	agent := &failingAgent{}
	startRunner(t, svc, agent, "reactor")

	if _, err := sender.SendDirect("reactor", map[string]any{"text": "hi"}); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for agent.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := agent.calls(); got != 1 {
		t.Fatalf("failed reaction ran %d times, want 1", got)
	}
}

type failingAgent struct {
	BaseAgent
	mu sync.Mutex
	n  int
}

func (a *failingAgent) React(context.Context, map[string][]*message.Envelope, string, *message.Envelope) error {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
	return errors.New("reaction failed")
}

func (a *failingAgent) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

func TestStopIdempotentTeardownOnce(t *testing.T) {
	svc := startCoordinator(t, nil, nil)

	agent := &scriptAgent{}
	r := startRunner(t, svc, agent, "reactor")

	for i := 0; i < 3; i++ {
		if err := r.Stop(context.Background()); err != nil {
			t.Fatalf("Stop %d: %v", i, err)
		}
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %s, want %s", r.State(), StateStopped)
	}
	agent.mu.Lock()
	teardowns := agent.teardownCalls
	agent.mu.Unlock()
	if teardowns != 1 {
		t.Fatalf("teardown ran %d times, want 1", teardowns)
	}
	if r.Client().Connector().Connected() {
		t.Fatal("client still connected after Stop")
	}
}

// toolAdapter is the agent-side half of a mod that requires one.
type toolAdapter struct {
	mods.BaseAdapter
}

func (a *toolAdapter) Tools() []mods.Tool {
	return []mods.Tool{{Name: "echo_tool", Description: "echoes its arguments"}}
}

func TestRequiredAdapterLoadedOnStart(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "echo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest := "server_mod: server\nadapter: adapter\nversion: \"1.0\"\nrequires_adapter: true\n"
	if err := os.WriteFile(filepath.Join(dir, "mod_manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	reg := mods.NewRegistry(root, discard())
	reg.RegisterServerFactory("echo", "server", func() mods.ServerMod { return &mods.BaseMod{} })
	reg.RegisterAdapterFactory("echo", "adapter", func() mods.Adapter { return &toolAdapter{} })

	svc := startCoordinator(t, reg, []string{"echo"})

	agent := &scriptAgent{}
	r := startRunner(t, svc, agent, "reactor", WithAdapterRegistry(reg))

	tools := r.Client().Tools()
	if len(tools) != 1 || tools[0].Name != "echo_tool" {
		t.Fatalf("tools = %+v", tools)
	}
}
