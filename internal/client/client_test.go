package client

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

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

func newClient(t *testing.T, svc *network.Service, agentID string) *Client {
	t.Helper()
	conn := connector.New(transport.Options{}, discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Shutdown(ctx)
	})
	c := New(agentID, conn, discard())
	if err := c.Connect(context.Background(), svc.Addr(), nil); err != nil {
		t.Fatalf("connect %s: %v", agentID, err)
	}
	return c
}

func awaitThread(t *testing.T, c *Client, key string, n int) []*message.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if envs := c.Thread(key); len(envs) >= n {
			return envs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("thread %s: want %d envelopes, have %d", key, n, len(c.Thread(key)))
	return nil
}

// tagAdapter annotates outgoing directs and records incoming ones.
type tagAdapter struct {
	mods.BaseAdapter
	tag string
}

func (a *tagAdapter) ProcessOutgoingDirectMessage(env *message.Envelope) *message.Envelope {
	out := env.Clone()
	out.Content["tag"] = a.tag
	return out
}

func (a *tagAdapter) Tools() []mods.Tool {
	return []mods.Tool{{Name: a.tag, Description: "tagging tool"}}
}

// muteAdapter cancels every outgoing direct and consumes every incoming one.
type muteAdapter struct {
	mods.BaseAdapter
}

func (a *muteAdapter) ProcessOutgoingDirectMessage(*message.Envelope) *message.Envelope {
	return nil
}

func (a *muteAdapter) ProcessIncomingDirectMessage(*message.Envelope) *message.Envelope {
	return nil
}

// witnessAdapter records whether it ever saw an incoming direct.
type witnessAdapter struct {
	mods.BaseAdapter
	saw chan *message.Envelope
}

func (a *witnessAdapter) ProcessIncomingDirectMessage(env *message.Envelope) *message.Envelope {
	select {
	case a.saw <- env:
	default:
	}
	return env
}

func TestOutgoingPipelineTransforms(t *testing.T) {
	svc := startCoordinator(t, nil, nil)
	a1 := newClient(t, svc, "a1")
	a2 := newClient(t, svc, "a2")

	a1.RegisterModAdapter(&tagAdapter{tag: "stamped"})

	sent, err := a1.SendDirect("a2", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if sent.Content["tag"] != "stamped" {
		t.Fatalf("outgoing pipeline did not run: %+v", sent.Content)
	}

	envs := awaitThread(t, a2, "direct_message:a1", 1)
	if envs[0].Content["tag"] != "stamped" {
		t.Fatalf("received content = %+v", envs[0].Content)
	}

	// The sender's own thread reflects the transformed envelope.
	own := a1.Thread("direct_message:a2")
	if len(own) != 1 || own[0].Content["tag"] != "stamped" {
		t.Fatalf("sender thread = %+v", own)
	}
}

func TestOutgoingPipelineCancels(t *testing.T) {
	svc := startCoordinator(t, nil, nil)
	a1 := newClient(t, svc, "a1")
	a2 := newClient(t, svc, "a2")

	a1.RegisterModAdapter(&muteAdapter{})

	sent, err := a1.SendDirect("a2", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if sent != nil {
		t.Fatalf("cancelled send returned %+v", sent)
	}
	if got := a1.Thread("direct_message:a2"); len(got) != 0 {
		t.Fatalf("cancelled send appended to thread: %+v", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := a2.Thread("direct_message:a1"); len(got) != 0 {
		t.Fatalf("cancelled send was delivered: %+v", got)
	}
}

func TestIncomingPipelineShortCircuit(t *testing.T) {
	svc := startCoordinator(t, nil, nil)
	a1 := newClient(t, svc, "a1")
	a2 := newClient(t, svc, "a2")

	// The mute adapter consumes; the witness after it must never run.
	witness := &witnessAdapter{saw: make(chan *message.Envelope, 1)}
	a2.RegisterModAdapter(&muteAdapter{})
	a2.RegisterModAdapter(witness)

	if _, err := a1.SendDirect("a2", map[string]any{"text": "hi"}); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}

	select {
	case env := <-witness.saw:
		t.Fatalf("adapter after a consuming stage saw %+v", env)
	case <-time.After(200 * time.Millisecond):
	}
	if got := a2.Thread("direct_message:a1"); len(got) != 0 {
		t.Fatalf("consumed message appended to thread: %+v", got)
	}
}

func TestToolsUnion(t *testing.T) {
	svc := startCoordinator(t, nil, nil)
	c := newClient(t, svc, "a1")

	c.RegisterModAdapter(&tagAdapter{tag: "first"})
	c.RegisterModAdapter(&tagAdapter{tag: "second"})

	tools := c.Tools()
	if len(tools) != 2 || tools[0].Name != "first" || tools[1].Name != "second" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestListAgentsAndMods(t *testing.T) {
	svc := startCoordinator(t, nil, nil)
	a1 := newClient(t, svc, "a1")
	newClient(t, svc, "a2")

	agents, err := a1.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("agents = %+v", agents)
	}

	infos, err := a1.ListMods(context.Background())
	if err != nil {
		t.Fatalf("ListMods: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("mods = %+v", infos)
	}
}

func TestUndeliverableDirectDoesNotDisconnect(t *testing.T) {
	svc := startCoordinator(t, nil, nil)
	a1 := newClient(t, svc, "a1")

	errFrames := make(chan transport.ErrorBody, 1)
	a1.Connector().RegisterMessageHandler(transport.FrameError, func(f *transport.Frame) {
		var body transport.ErrorBody
		if f.DecodeBody(&body) == nil {
			errFrames <- body
		}
	})

	if _, err := a1.SendDirect("nobody", map[string]any{"text": "hi"}); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}

	select {
	case body := <-errFrames:
		if body.Code != transport.CodeUndeliverable {
			t.Fatalf("error code = %q, want %q", body.Code, transport.CodeUndeliverable)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no Undeliverable error frame")
	}

	if !a1.Connector().Connected() {
		t.Fatal("undeliverable direct disconnected the sender")
	}
}
