package notify

import (
	"context"
	"log/slog"

	"github.com/agentmesh/agentmesh/internal/events"
)

// LogProvider writes every event as a structured log line. It is always
// enabled and serves as a guaranteed event record.
type LogProvider struct {
	log *slog.Logger
}

// NewLogProvider creates a provider that logs events using structured logging.
func NewLogProvider(log *slog.Logger) *LogProvider {
	return &LogProvider{log: log}
}

// Name returns the provider name for logging.
func (l *LogProvider) Name() string { return "log" }

// Send writes the event fields as structured key-value pairs at Info level.
func (l *LogProvider) Send(_ context.Context, evt events.Event) error {
	l.log.Info("network event",
		"type", string(evt.Type),
		"agent_id", evt.AgentID,
		"connection_id", evt.ConnectionID,
		"mod", evt.Mod,
		"message", evt.Message,
		"timestamp", evt.Timestamp.String(),
	)
	return nil
}
