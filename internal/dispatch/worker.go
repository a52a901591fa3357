// Package dispatch drains the pending store and fans each payload out to
// the agents subscribed to its tag. Delivery is at most once: a payload
// with no subscribers, or whose send fails, is not retried.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/joelkehle/agentflow/internal/activity"
	"github.com/joelkehle/agentflow/internal/delivery"
	"github.com/joelkehle/agentflow/internal/directory"
	"github.com/joelkehle/agentflow/internal/pending"
)

type Config struct {
	PollInterval      time.Duration
	ErrorBackoff      time.Duration
	FanoutConcurrency int
	Tracer            trace.Tracer
	Clock             func() time.Time
}

// Cycle summarises one popped payload.
type Cycle struct {
	TagID         int64
	Agents        int
	Delivered     int
	Failed        int
	NoSubscribers bool
}

type Stats struct {
	Cycles        int64 `json:"cycles"`
	Delivered     int64 `json:"delivered"`
	SendFailures  int64 `json:"send_failures"`
	NoSubscribers int64 `json:"no_subscribers"`
	Failed        int64 `json:"failed"`
}

type Worker struct {
	cfg     Config
	store   *pending.Store
	dir     directory.AgentDirectory
	sender  delivery.Sender
	log     *activity.Log
	history *History

	cycles        atomic.Int64
	delivered     atomic.Int64
	sendFailures  atomic.Int64
	noSubscribers atomic.Int64
	failed        atomic.Int64
}

func NewWorker(cfg Config, store *pending.Store, dir directory.AgentDirectory, sender delivery.Sender, log *activity.Log, history *History) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.FanoutConcurrency <= 0 {
		cfg.FanoutConcurrency = 4
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/joelkehle/agentflow/internal/dispatch")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if history == nil {
		history = NewHistory(0)
	}
	return &Worker{cfg: cfg, store: store, dir: dir, sender: sender, log: log, history: history}
}

func (w *Worker) History() *History {
	return w.history
}

// Run dispatches until ctx is done. When the store is empty it waits for
// an append signal or PollInterval, whichever comes first.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, ok, err := w.safeRunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.failed.Add(1)
			w.log.Error(activity.TitleError, "dispatch cycle failed: %v", err)
			sleep(ctx, w.cfg.ErrorBackoff)
			continue
		}
		if !ok {
			w.waitForWork(ctx)
		}
	}
}

func (w *Worker) waitForWork(ctx context.Context) {
	t := time.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-w.store.Ready():
	case <-t.C:
	case <-ctx.Done():
	}
}

func (w *Worker) safeRunOnce(ctx context.Context) (c Cycle, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.RunOnce(ctx)
}

// RunOnce pops one payload and delivers it. ok is false when the store was
// empty. The popped payload is gone whatever happens next.
func (w *Worker) RunOnce(ctx context.Context) (Cycle, bool, error) {
	item, ok := w.store.PopFront()
	if !ok {
		return Cycle{}, false, nil
	}
	w.cycles.Add(1)
	cycle := Cycle{TagID: item.TagID}

	ctx, span := w.cfg.Tracer.Start(ctx, "dispatch.cycle", trace.WithAttributes(
		attribute.Int64("tag.id", item.TagID),
	))
	defer span.End()

	label := w.tagLabel(ctx, item.TagID)
	w.log.Info(activity.TitleProcessingTag, "processing %s, %d pending after this one", label, item.Remaining)

	agents, err := w.dir.AgentsForTag(ctx, item.TagID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return cycle, true, fmt.Errorf("agents for %s: %w", label, err)
	}
	if len(agents) == 0 {
		cycle.NoSubscribers = true
		w.noSubscribers.Add(1)
		w.log.Warn(activity.TitleWarning, "no agents subscribed to %s; payload discarded", label)
		span.SetAttributes(attribute.Bool("dispatch.no_subscribers", true))
		return cycle, true, nil
	}
	cycle.Agents = len(agents)
	w.log.Info(activity.TitleAgentsFound, "%d agents subscribed to %s", len(agents), label)

	env := delivery.Envelope{Data: item.Payload, TagID: item.TagID}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(w.cfg.FanoutConcurrency)
	for _, agent := range agents {
		g.Go(func() error {
			sendErr := w.deliver(ctx, agent, env)
			mu.Lock()
			if sendErr != nil {
				cycle.Failed++
			} else {
				cycle.Delivered++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	span.SetAttributes(
		attribute.Int("dispatch.delivered", cycle.Delivered),
		attribute.Int("dispatch.failed", cycle.Failed),
	)
	return cycle, true, nil
}

func (w *Worker) deliver(ctx context.Context, agent directory.Agent, env delivery.Envelope) error {
	ctx, span := w.cfg.Tracer.Start(ctx, "dispatch.send", trace.WithAttributes(
		attribute.Int64("agent.id", agent.ID),
		attribute.Int64("tag.id", env.TagID),
	))
	defer span.End()

	err := w.send(ctx, agent, env)
	d := Delivery{Time: w.cfg.Clock().UTC(), TagID: env.TagID, Data: env.Data, OK: err == nil}
	if err != nil {
		d.Error = err.Error()
		w.sendFailures.Add(1)
		span.SetStatus(codes.Error, err.Error())
		w.log.Error(activity.TitleError, "send to agent %d (%s) for tag %d failed: %v", agent.ID, agent.Name, env.TagID, err)
	} else {
		w.delivered.Add(1)
		w.log.Info(activity.TitleSent, "delivered tag %d payload to agent %d (%s)", env.TagID, agent.ID, agent.Name)
	}
	w.history.Record(agent.ID, d)
	return err
}

func (w *Worker) send(ctx context.Context, agent directory.Agent, env delivery.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	endpoint, err := w.dir.EndpointForAgent(ctx, agent.ID)
	if err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	w.log.Info(activity.TitleRouting, "routing tag %d payload to agent %d at %s", env.TagID, agent.ID, endpoint)
	return w.sender.Send(ctx, endpoint, env, agent.ID)
}

func (w *Worker) tagLabel(ctx context.Context, tagID int64) string {
	name, err := w.dir.TagName(ctx, tagID)
	if err != nil || name == "" {
		return fmt.Sprintf("tag %d", tagID)
	}
	return fmt.Sprintf("tag %d (%s)", tagID, name)
}

func (w *Worker) Stats() Stats {
	return Stats{
		Cycles:        w.cycles.Load(),
		Delivered:     w.delivered.Load(),
		SendFailures:  w.sendFailures.Load(),
		NoSubscribers: w.noSubscribers.Load(),
		Failed:        w.failed.Load(),
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
