// Package runner drives one agent: it connects the client, loads required
// adapters, and runs a cooperative reaction loop over the client's message
// threads.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/internal/client"
	"github.com/agentmesh/agentmesh/internal/message"
	"github.com/agentmesh/agentmesh/internal/mods"
)

// State of the runner lifecycle.
type State string

const (
	StateInit     State = "init"
	StateReady    State = "ready"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// DefaultInterval is the sleep between idle sweeps.
const DefaultInterval = time.Second

// Agent is the user-supplied behavior. React receives a causally filtered
// snapshot: every envelope in it has a timestamp at or before the chosen
// envelope's, so a reaction always sees a consistent prefix of history.
type Agent interface {
	Setup(ctx context.Context, c *client.Client) error
	React(ctx context.Context, threads map[string][]*message.Envelope, threadKey string, env *message.Envelope) error
	Teardown(ctx context.Context) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithInterval sets the idle sweep interval.
func WithInterval(d time.Duration) Option {
	return func(r *Runner) { r.interval = d }
}

// WithIgnoredSenders suppresses reactions to the given sender IDs.
func WithIgnoredSenders(ids ...string) Option {
	return func(r *Runner) {
		for _, id := range ids {
			r.ignored[id] = true
		}
	}
}

// WithAdapterRegistry supplies the registry used to load adapters for mods
// flagged requires_adapter.
func WithAdapterRegistry(reg *mods.Registry) Option {
	return func(r *Runner) { r.reg = reg }
}

// Runner owns one agent's lifecycle. The reaction loop is single-threaded;
// processed IDs need no lock because only the loop touches them.
type Runner struct {
	agent    Agent
	cli      *client.Client
	log      *slog.Logger
	interval time.Duration
	reg      *mods.Registry
	ignored  map[string]bool

	processed map[string]bool

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a runner for one agent over its client.
func New(agent Agent, cli *client.Client, log *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		agent:     agent,
		cli:       cli,
		log:       log.With("component", "runner", "agent", cli.AgentID()),
		interval:  DefaultInterval,
		ignored:   make(map[string]bool),
		processed: make(map[string]bool),
		state:     StateInit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Client returns the underlying agent client.
func (r *Runner) Client() *client.Client { return r.cli }

// Start connects, loads required adapters, runs Setup, and spawns the
// reaction loop. A Setup failure stops the runner and disconnects.
func (r *Runner) Start(ctx context.Context, addr string, metadata map[string]any) error {
	r.mu.Lock()
	if r.state != StateInit {
		r.mu.Unlock()
		return fmt.Errorf("cannot start from state %s", r.state)
	}
	r.mu.Unlock()

	if err := r.cli.Connect(ctx, addr, metadata); err != nil {
		return err
	}
	r.setState(StateReady)

	r.loadRequiredAdapters(ctx)

	if err := r.agent.Setup(ctx, r.cli); err != nil {
		r.cli.Disconnect()
		r.setState(StateStopped)
		return fmt.Errorf("setup: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.state = StateRunning
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.loop(loopCtx)
	}()
	r.log.Info("runner started")
	return nil
}

// loadRequiredAdapters queries the server's mods and registers an adapter
// for each one flagged requires_adapter. Failures are logged and skipped.
func (r *Runner) loadRequiredAdapters(ctx context.Context) {
	infos, err := r.cli.ListMods(ctx)
	if err != nil {
		r.log.Warn("list_mods failed, no adapters loaded", "error", err)
		return
	}
	for _, info := range infos {
		if !info.RequiresAdapter {
			continue
		}
		if r.reg == nil {
			r.log.Warn("mod requires an adapter but no registry is configured", "mod", info.Name)
			continue
		}
		adapter, lerr := r.reg.LoadAdapter(info.Name)
		if lerr != nil {
			r.log.Error("adapter load failed", "mod", info.Name, "error", lerr.Err)
			continue
		}
		r.cli.RegisterModAdapter(adapter)
		r.log.Info("adapter loaded", "mod", info.Name)
	}
}

// loop is the reaction loop: sweep, react to the earliest unprocessed
// envelope, re-sweep immediately on a hit, sleep otherwise.
func (r *Runner) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		threads := r.cli.Threads()
		key, env := r.pickEarliest(threads)
		if env != nil {
			// Marked before React so a failed reaction is never retried.
			r.processed[env.ID] = true
			filtered := filterByTimestamp(threads, env.Timestamp)
			if err := r.safeReact(ctx, filtered, key, env); err != nil {
				r.log.Error("react failed", "message_id", env.ID, "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.interval):
		}
	}
}

func (r *Runner) safeReact(ctx context.Context, threads map[string][]*message.Envelope, key string, env *message.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return r.agent.React(ctx, threads, key, env)
}

// pickEarliest finds the unprocessed envelope with the smallest timestamp
// whose sender is not ignored.
func (r *Runner) pickEarliest(threads map[string][]*message.Envelope) (string, *message.Envelope) {
	var bestKey string
	var best *message.Envelope
	for key, envs := range threads {
		for _, env := range envs {
			if r.processed[env.ID] || r.ignored[env.SenderID] {
				continue
			}
			if best == nil || env.Timestamp < best.Timestamp {
				bestKey, best = key, env
			}
		}
	}
	return bestKey, best
}

// filterByTimestamp returns a snapshot without any envelope strictly newer
// than the cutoff.
func filterByTimestamp(threads map[string][]*message.Envelope, cutoff float64) map[string][]*message.Envelope {
	out := make(map[string][]*message.Envelope, len(threads))
	for key, envs := range threads {
		kept := make([]*message.Envelope, 0, len(envs))
		for _, env := range envs {
			if env.Timestamp <= cutoff {
				kept = append(kept, env)
			}
		}
		if len(kept) > 0 {
			out[key] = kept
		}
	}
	return out
}

// Stop lets the in-flight reaction finish, runs Teardown, and disconnects.
// Repeated calls are no-ops. A Teardown failure is reported but the runner
// still stops.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateStopped || r.state == StateStopping {
		r.mu.Unlock()
		return nil
	}
	if r.state != StateRunning {
		r.state = StateStopped
		r.mu.Unlock()
		return nil
	}
	r.state = StateStopping
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	if terr := r.agent.Teardown(ctx); terr != nil {
		err = fmt.Errorf("teardown: %w", terr)
		r.log.Error("teardown failed", "error", terr)
	}
	r.cli.Disconnect()
	r.setState(StateStopped)
	r.log.Info("runner stopped")
	return err
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// BaseAgent is a no-op Agent for embedding.
type BaseAgent struct{}

func (BaseAgent) Setup(context.Context, *client.Client) error { return nil }
func (BaseAgent) React(context.Context, map[string][]*message.Envelope, string, *message.Envelope) error {
	return nil
}
func (BaseAgent) Teardown(context.Context) error { return nil }
