package stores

import (
	"context"
	"time"

	"github.com/openfroyo/pluginhost/pkg/plugins/host"
	"github.com/openfroyo/pluginhost/pkg/telemetry"
)

// Invocation is a recorded cli_run call.
type Invocation struct {
	ID        string        `json:"id"`
	Plugin    string        `json:"plugin"`
	Command   string        `json:"command"`
	Resolved  string        `json:"resolved"`
	Args      []string      `json:"args"`
	Outcome   string        `json:"outcome"`
	Error     *string       `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// PluginEvent is a recorded lifecycle event
type PluginEvent struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Plugin    string    `json:"plugin"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// InvocationFilter narrows ListInvocations. Zero values match everything.
type InvocationFilter struct {
	Plugin  string
	Outcome string
	Since   time.Time
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Invocation operations
	RecordInvocation(ctx context.Context, inv host.Invocation) error
	GetInvocation(ctx context.Context, id string) (*Invocation, error)
	ListInvocations(ctx context.Context, filter InvocationFilter, limit, offset int) ([]*Invocation, error)
	CountInvocations(ctx context.Context, filter InvocationFilter) (int, error)
	PruneInvocations(ctx context.Context, before time.Time) (int64, error)

	// Event operations
	AppendEvent(ctx context.Context, event telemetry.Event) error
	ListEvents(ctx context.Context, plugin string, limit, offset int) ([]*PluginEvent, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

var (
	_ Store          = (*SQLiteStore)(nil)
	_ host.AuditSink = (*SQLiteStore)(nil)
)
