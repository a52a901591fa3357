package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/agentflow/internal/activity"
	"github.com/joelkehle/agentflow/internal/delivery"
	"github.com/joelkehle/agentflow/internal/directory"
	"github.com/joelkehle/agentflow/internal/message"
	"github.com/joelkehle/agentflow/internal/pending"
)

type sent struct {
	Endpoint string
	AgentID  int64
	Env      delivery.Envelope
}

type recordingSender struct {
	mu    sync.Mutex
	sent  []sent
	fail  map[string]error
	panic map[string]bool
}

func (s *recordingSender) Send(_ context.Context, endpoint string, env delivery.Envelope, agentID int64) error {
	if s.panic[endpoint] {
		panic("sender blew up")
	}
	if err := s.fail[endpoint]; err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{Endpoint: endpoint, AgentID: agentID, Env: env})
	return nil
}

func (s *recordingSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent{}, s.sent...)
}

type fixture struct {
	dir    *directory.MemoryDirectory
	store  *pending.Store
	log    *activity.Log
	sender *recordingSender
	worker *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := directory.NewMemory()
	_, err := dir.UpsertTag(ctx, "alpha")
	require.NoError(t, err)
	_, err = dir.UpsertTag(ctx, "beta")
	require.NoError(t, err)

	f := &fixture{
		dir:    dir,
		store:  pending.NewStore(pending.Config{}),
		log:    activity.New(activity.Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}),
		sender: &recordingSender{fail: map[string]error{}, panic: map[string]bool{}},
	}
	f.worker = NewWorker(Config{
		PollInterval: 10 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
	}, f.store, dir, f.sender, f.log, NewHistory(3))
	return f
}

func (f *fixture) agent(t *testing.T, name, addr string, tags ...string) directory.Agent {
	t.Helper()
	a, err := f.dir.UpsertAgent(context.Background(), directory.AgentInput{Name: name, Address: addr, Tags: tags})
	require.NoError(t, err)
	return a
}

func (f *fixture) warnings() []activity.Record {
	var out []activity.Record
	for _, r := range f.log.Recent(0) {
		if r.Level == activity.LevelWarn {
			out = append(out, r)
		}
	}
	return out
}

func TestNoSubscribersThenSuccessfulSend(t *testing.T) {
	f := newFixture(t)
	agentA := f.agent(t, "agentA", "5000", "beta")
	f.store.AppendAll([]int64{1, 2}, message.Payload{"q": "hi"})

	c, ok, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), c.TagID)
	assert.True(t, c.NoSubscribers)
	require.Len(t, f.warnings(), 1)
	assert.Contains(t, f.warnings()[0].Description, "no agents subscribed")
	assert.Equal(t, 1, f.store.Len())

	c, ok, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Cycle{TagID: 2, Agents: 1, Delivered: 1}, c)
	assert.Equal(t, 0, f.store.Len())

	got := f.sender.all()
	require.Len(t, got, 1)
	assert.Equal(t, "5000", got[0].Endpoint)
	assert.Equal(t, agentA.ID, got[0].AgentID)
	assert.Equal(t, int64(2), got[0].Env.TagID)
	assert.Equal(t, "hi", got[0].Env.Data["q"])

	_, ok, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPayloadsForOneTagDrainInArrivalOrder(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "a", "5000", "alpha")
	f.store.Append(1, message.Payload{"n": "P1"})
	f.store.Append(1, message.Payload{"n": "P2"})

	_, _, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, f.store.Len())
	_, _, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, f.store.Len())

	got := f.sender.all()
	require.Len(t, got, 2)
	assert.Equal(t, "P1", got[0].Env.Data["n"])
	assert.Equal(t, "P2", got[1].Env.Data["n"])
}

func TestFanOutIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	x := f.agent(t, "x", "5001", "alpha")
	y := f.agent(t, "y", "5002", "alpha")
	z := f.agent(t, "z", "5003", "alpha")
	f.sender.fail["5001"] = errors.New("connection refused")
	f.sender.panic["5003"] = true
	f.store.Append(1, message.Payload{"q": "fan"})

	c, ok, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, c.Agents)
	assert.Equal(t, 1, c.Delivered)
	assert.Equal(t, 2, c.Failed)

	got := f.sender.all()
	require.Len(t, got, 1)
	assert.Equal(t, y.ID, got[0].AgentID)

	hx := f.worker.History().For(x.ID)
	require.Len(t, hx, 1)
	assert.False(t, hx[0].OK)
	assert.Contains(t, hx[0].Error, "connection refused")
	hz := f.worker.History().For(z.ID)
	require.Len(t, hz, 1)
	assert.Contains(t, hz[0].Error, "panic")
	hy := f.worker.History().For(y.ID)
	require.Len(t, hy, 1)
	assert.True(t, hy[0].OK)

	st := f.worker.Stats()
	assert.Equal(t, int64(1), st.Delivered)
	assert.Equal(t, int64(2), st.SendFailures)
}

type brokenDirectory struct {
	*directory.MemoryDirectory
}

func (brokenDirectory) AgentsForTag(context.Context, int64) ([]directory.Agent, error) {
	return nil, errors.New("db down")
}

func TestDirectoryFailureDropsPayloadAndReportsError(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(Config{}, f.store, brokenDirectory{f.dir}, f.sender, f.log, nil)
	f.store.Append(1, message.Payload{"q": 1})

	_, ok, err := w.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, f.store.Len())
}

func TestRunDeliversAndRecoversFromFailedCycles(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "a", "5000", "alpha")
	var calls int
	var mu sync.Mutex
	dir := &flakyDirectory{MemoryDirectory: f.dir, failFirst: 1, calls: &calls, mu: &mu}
	w := NewWorker(Config{PollInterval: 10 * time.Millisecond, ErrorBackoff: 10 * time.Millisecond}, f.store, dir, f.sender, f.log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	f.store.Append(1, message.Payload{"n": 1})
	f.store.Append(1, message.Payload{"n": 2})
	require.Eventually(t, func() bool { return len(f.sender.all()) == 1 }, 3*time.Second, 5*time.Millisecond)

	// A later append wakes the idle worker.
	f.store.Append(1, message.Payload{"n": 3})
	require.Eventually(t, func() bool { return len(f.sender.all()) == 2 }, 3*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), w.Stats().Failed)
	got := f.sender.all()
	assert.EqualValues(t, 2, got[0].Env.Data["n"])
	assert.EqualValues(t, 3, got[1].Env.Data["n"])
}

type flakyDirectory struct {
	*directory.MemoryDirectory
	failFirst int
	calls     *int
	mu        *sync.Mutex
}

func (d *flakyDirectory) AgentsForTag(ctx context.Context, tagID int64) ([]directory.Agent, error) {
	d.mu.Lock()
	*d.calls++
	n := *d.calls
	d.mu.Unlock()
	if n <= d.failFirst {
		panic("lookup panicked")
	}
	return d.MemoryDirectory.AgentsForTag(ctx, tagID)
}

func TestHistoryKeepsNewestFirst(t *testing.T) {
	h := NewHistory(2)
	for i := 1; i <= 3; i++ {
		h.Record(7, Delivery{TagID: int64(i), OK: true, Data: message.Payload{"i": i}})
	}
	got := h.For(7)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].TagID)
	assert.Equal(t, int64(2), got[1].TagID)
	assert.Empty(t, h.For(8))

	got[0].Data["i"] = 99
	assert.Equal(t, 3, h.For(7)[0].Data["i"])
}
