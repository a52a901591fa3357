package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
)

const sqlitePragmas = "_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

// SQLDirectory implements Directory over the tag_info, agent_info and
// agent_tags tables.
type SQLDirectory struct {
	db     *sqlx.DB
	driver string
}

// OpenSQL migrates dsn and opens it. For SQLite, dsn is a file path; its
// directory is created if missing.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLDirectory, error) {
	sqlDriver, _, err := driverNames(driver)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		return nil, fmt.Errorf("%s dsn is required", driver)
	}
	if err := Migrate(driver, dsn); err != nil {
		return nil, err
	}

	db, err := sqlx.Open(sqlDriver, sqlDSN(driver, dsn))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &SQLDirectory{db: db, driver: driver}, nil
}

func (d *SQLDirectory) Close() error {
	return d.db.Close()
}

func sqlDSN(driver, dsn string) string {
	if driver != DriverSQLite {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqlitePragmas
	}
	return dsn + "?" + sqlitePragmas
}

func ensureDataDir(driver, dsn string) error {
	if driver != DriverSQLite {
		return nil
	}
	dir := filepath.Dir(sqlitePath(dsn))
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

func (d *SQLDirectory) ResolveTagIDs(ctx context.Context, names []string) ([]int64, error) {
	q := d.db.Rebind("SELECT tag_id FROM tag_info WHERE tag_name = ?")
	out := make([]int64, 0, len(names))
	for _, name := range names {
		var id int64
		err := d.db.GetContext(ctx, &id, q, name)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve tag %q: %w", name, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func (d *SQLDirectory) AgentsForTag(ctx context.Context, tagID int64) ([]Agent, error) {
	agents := []Agent{}
	err := d.db.SelectContext(ctx, &agents, d.db.Rebind(`
		SELECT a.agent_id, a.agent_name, a.address
		FROM agent_info a
		JOIN agent_tags l ON l.agent_id = a.agent_id
		WHERE l.tag_id = ?
		ORDER BY a.agent_id`), tagID)
	if err != nil {
		return nil, fmt.Errorf("agents for tag %d: %w", tagID, err)
	}
	return agents, nil
}

func (d *SQLDirectory) EndpointForAgent(ctx context.Context, agentID int64) (string, error) {
	var address string
	err := d.db.GetContext(ctx, &address, d.db.Rebind("SELECT address FROM agent_info WHERE agent_id = ?"), agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("agent %d: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("endpoint for agent %d: %w", agentID, err)
	}
	return address, nil
}

func (d *SQLDirectory) TagName(ctx context.Context, tagID int64) (string, error) {
	var name string
	err := d.db.GetContext(ctx, &name, d.db.Rebind("SELECT tag_name FROM tag_info WHERE tag_id = ?"), tagID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("tag %d: %w", tagID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("tag name %d: %w", tagID, err)
	}
	return name, nil
}

func (d *SQLDirectory) UpsertTag(ctx context.Context, name string) (Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tag{}, fmt.Errorf("%w: tag name is required", ErrInvalid)
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return Tag{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	tag, err := upsertTagTx(ctx, tx, name)
	if err != nil {
		return Tag{}, err
	}
	if err := tx.Commit(); err != nil {
		return Tag{}, fmt.Errorf("commit: %w", err)
	}
	return tag, nil
}

func upsertTagTx(ctx context.Context, tx *sqlx.Tx, name string) (Tag, error) {
	if _, err := tx.ExecContext(ctx, tx.Rebind("INSERT INTO tag_info (tag_name) VALUES (?) ON CONFLICT (tag_name) DO NOTHING"), name); err != nil {
		return Tag{}, fmt.Errorf("insert tag %q: %w", name, err)
	}
	var tag Tag
	if err := tx.GetContext(ctx, &tag, tx.Rebind("SELECT tag_id, tag_name FROM tag_info WHERE tag_name = ?"), name); err != nil {
		return Tag{}, fmt.Errorf("load tag %q: %w", name, err)
	}
	return tag, nil
}

func (d *SQLDirectory) UpsertAgent(ctx context.Context, input AgentInput) (Agent, error) {
	if err := validateAgentInput(input); err != nil {
		return Agent{}, err
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return Agent{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO agent_info (agent_name, address) VALUES (?, ?)
		ON CONFLICT (agent_name) DO UPDATE SET address = excluded.address`),
		input.Name, input.Address)
	if err != nil {
		return Agent{}, fmt.Errorf("upsert agent %q: %w", input.Name, err)
	}
	var agent Agent
	if err := tx.GetContext(ctx, &agent, tx.Rebind("SELECT agent_id, agent_name, address FROM agent_info WHERE agent_name = ?"), input.Name); err != nil {
		return Agent{}, fmt.Errorf("load agent %q: %w", input.Name, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM agent_tags WHERE agent_id = ?"), agent.ID); err != nil {
		return Agent{}, fmt.Errorf("clear agent tags: %w", err)
	}

	agent.Tags = []string{}
	for _, name := range uniqueNames(input.Tags) {
		tag, err := upsertTagTx(ctx, tx, name)
		if err != nil {
			return Agent{}, err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind("INSERT INTO agent_tags (agent_id, tag_id) VALUES (?, ?) ON CONFLICT DO NOTHING"), agent.ID, tag.ID); err != nil {
			return Agent{}, fmt.Errorf("link agent %d to tag %d: %w", agent.ID, tag.ID, err)
		}
		agent.Tags = append(agent.Tags, tag.Name)
	}
	if err := tx.Commit(); err != nil {
		return Agent{}, fmt.Errorf("commit: %w", err)
	}
	return agent, nil
}

func (d *SQLDirectory) ListTags(ctx context.Context) ([]Tag, error) {
	tags := []Tag{}
	if err := d.db.SelectContext(ctx, &tags, "SELECT tag_id, tag_name FROM tag_info ORDER BY tag_id"); err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return tags, nil
}

func (d *SQLDirectory) ListAgents(ctx context.Context) ([]Agent, error) {
	agents := []Agent{}
	if err := d.db.SelectContext(ctx, &agents, "SELECT agent_id, agent_name, address FROM agent_info ORDER BY agent_id"); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var links []struct {
		AgentID int64  `db:"agent_id"`
		TagName string `db:"tag_name"`
	}
	err := d.db.SelectContext(ctx, &links, `
		SELECT l.agent_id, t.tag_name
		FROM agent_tags l
		JOIN tag_info t ON t.tag_id = l.tag_id
		ORDER BY l.agent_id, t.tag_id`)
	if err != nil {
		return nil, fmt.Errorf("list agent tags: %w", err)
	}
	byAgent := map[int64][]string{}
	for _, l := range links {
		byAgent[l.AgentID] = append(byAgent[l.AgentID], l.TagName)
	}
	for i := range agents {
		agents[i].Tags = byAgent[agents[i].ID]
		if agents[i].Tags == nil {
			agents[i].Tags = []string{}
		}
	}
	return agents, nil
}

func uniqueNames(names []string) []string {
	seen := map[string]struct{}{}
	out := []string{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
