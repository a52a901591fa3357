// Package directory answers the pipeline's routing lookups: tag names to
// tag ids, tag ids to subscribed agents, and agent ids to endpoints. It is
// backed by SQL (SQLite or Postgres) or by an in-process map.
package directory

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid input")
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Tag struct {
	ID   int64  `db:"tag_id" json:"tag_id"`
	Name string `db:"tag_name" json:"tag_name"`
}

type Agent struct {
	ID      int64    `db:"agent_id" json:"agent_id"`
	Name    string   `db:"agent_name" json:"agent_name"`
	Address string   `db:"address" json:"address"`
	Tags    []string `db:"-" json:"tags,omitempty"`
}

// AgentInput registers or updates an agent by name. Tags replaces the
// agent's subscriptions; unknown tag names are created.
type AgentInput struct {
	Name    string   `json:"name" yaml:"name"`
	Address string   `json:"address" yaml:"address"`
	Tags    []string `json:"tags" yaml:"tags"`
}

// TagResolver maps tag names to ids. Unknown names are skipped, so the
// result may be shorter than names.
type TagResolver interface {
	ResolveTagIDs(ctx context.Context, names []string) ([]int64, error)
}

type AgentDirectory interface {
	AgentsForTag(ctx context.Context, tagID int64) ([]Agent, error)
	EndpointForAgent(ctx context.Context, agentID int64) (string, error)
	TagName(ctx context.Context, tagID int64) (string, error)
}

type Registry interface {
	UpsertTag(ctx context.Context, name string) (Tag, error)
	UpsertAgent(ctx context.Context, input AgentInput) (Agent, error)
	ListTags(ctx context.Context) ([]Tag, error)
	ListAgents(ctx context.Context) ([]Agent, error)
}

type Directory interface {
	TagResolver
	AgentDirectory
	Registry
	Close() error
}

var (
	_ Directory = (*SQLDirectory)(nil)
	_ Directory = (*MemoryDirectory)(nil)
)

// Open returns the directory for driver. SQL drivers are migrated to the
// latest schema before use.
func Open(ctx context.Context, driver, dsn string) (Directory, error) {
	switch driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverSQLite, DriverPostgres:
		return OpenSQL(ctx, driver, dsn)
	default:
		return nil, fmt.Errorf("unknown directory driver %q", driver)
	}
}

func validateAgentInput(input AgentInput) error {
	if input.Name == "" {
		return fmt.Errorf("%w: agent name is required", ErrInvalid)
	}
	if input.Address == "" {
		return fmt.Errorf("%w: agent address is required", ErrInvalid)
	}
	return nil
}
