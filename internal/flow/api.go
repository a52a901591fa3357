package flow

import (
	"context"
	"time"

	"github.com/joelkehle/agentflow/internal/activity"
	"github.com/joelkehle/agentflow/internal/directory"
	"github.com/joelkehle/agentflow/internal/dispatch"
	"github.com/joelkehle/agentflow/internal/ingest"
	"github.com/joelkehle/agentflow/internal/pending"
)

// API is the service interface used by the HTTP layer.
type API interface {
	Submit(text string) (ingest.Item, int, error)
	Pending() []pending.Entry
	ActivitySince(ctx context.Context, afterID int64, wait time.Duration) ([]activity.Record, int64)
	RecentActivity(n int) []activity.Record
	ListTags(ctx context.Context) ([]directory.Tag, error)
	RegisterTag(ctx context.Context, name string) (directory.Tag, error)
	ListAgents(ctx context.Context) ([]directory.Agent, error)
	RegisterAgent(ctx context.Context, input directory.AgentInput) (directory.Agent, error)
	AgentHistory(agentID int64) []dispatch.Delivery
	Health() map[string]any
	SystemStatus() map[string]any
}

var _ API = (*Service)(nil)
