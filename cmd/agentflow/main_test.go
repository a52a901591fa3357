package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/agentflow/internal/config"
	"github.com/joelkehle/agentflow/internal/delivery"
	"github.com/joelkehle/agentflow/internal/directory"
	"github.com/joelkehle/agentflow/internal/message"
	"github.com/joelkehle/agentflow/internal/mockagent"
)

func TestVersionCommand(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "agentflow dev\n", out.String())
}

func TestNewLoggerLevels(t *testing.T) {
	ctx := context.Background()
	l := newLogger(config.LogConfig{Level: "warn", Format: "json"}, io.Discard)
	assert.False(t, l.Enabled(ctx, -4))
	assert.True(t, l.Handler().Enabled(ctx, 4))

	verbose = true
	t.Cleanup(func() { verbose = false })
	l = newLogger(config.LogConfig{Level: "error"}, io.Discard)
	assert.True(t, l.Enabled(ctx, -4))
}

func TestApplySeedFile(t *testing.T) {
	path := filepath.Join("..", "..", "examples", "seed.yaml")
	dir := directory.NewMemory()
	require.NoError(t, applySeedFile(context.Background(), dir, path))

	agents, err := dir.ListAgents(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, agents)
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := config.Load(filepath.Join("..", "..", "examples", "agentflow.json5"))
	require.NoError(t, err)
	assert.Equal(t, "./examples/seed.yaml", cfg.Seed.Path)
	assert.True(t, cfg.Seed.Watch)
}

func TestPrintReceived(t *testing.T) {
	var out bytes.Buffer
	printReceived(&out, nil)
	assert.Equal(t, "no messages received\n", out.String())

	at := time.Date(2026, 2, 17, 9, 30, 0, 0, time.UTC)
	out.Reset()
	printReceived(&out, []mockagent.Received{
		{Port: 5000, Count: 2, ReceivedAt: at, Envelope: delivery.Envelope{Data: message.Payload{"q": "hi"}, TagID: 1}},
		{Port: 5001, Count: 1, ReceivedAt: at, Raw: "not json"},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "port 5000: 2 received, last at 2026-02-17T09:30:00Z: {"), lines[0])
	assert.Contains(t, lines[0], `"q":"hi"`)
	assert.Equal(t, "port 5001: 1 received, last at 2026-02-17T09:30:00Z: not json", lines[1])
}

func TestMigrateUpReportsVersion(t *testing.T) {
	t.Setenv("AGENTFLOW_CONFIG", filepath.Join(t.TempDir(), "missing.json5"))
	t.Setenv("AGENTFLOW_DATABASE_DRIVER", "sqlite")
	t.Setenv("AGENTFLOW_DATABASE_DSN", filepath.Join(t.TempDir(), "data", "agentflow.db"))

	for _, args := range [][]string{{"migrate", "up"}, {"migrate", "version"}} {
		root := rootCmd()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(args)
		require.NoError(t, root.Execute())
		assert.Equal(t, "version: 1, dirty: false\n", out.String(), "%v", args)
	}
}
