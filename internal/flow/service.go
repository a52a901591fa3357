// Package flow wires the routing pipeline together: the inbound queue, the
// ingestion worker, the pending store, the dispatch worker and the activity
// log, behind the API used by the HTTP layer.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joelkehle/agentflow/internal/activity"
	"github.com/joelkehle/agentflow/internal/delivery"
	"github.com/joelkehle/agentflow/internal/directory"
	"github.com/joelkehle/agentflow/internal/dispatch"
	"github.com/joelkehle/agentflow/internal/ingest"
	"github.com/joelkehle/agentflow/internal/pending"
)

type Config struct {
	PollInterval      time.Duration
	ErrorBackoff      time.Duration
	QueueCapacity     int
	FanoutConcurrency int
	HistoryPerAgent   int
	ActivityLimit     int
	ActivityWaitMax   time.Duration
	Logger            *slog.Logger
	Clock             func() time.Time
}

type Service struct {
	cfg       Config
	startedAt time.Time

	dir      directory.Directory
	queue    *ingest.Queue
	store    *pending.Store
	activity *activity.Log
	ingest   *ingest.Worker
	dispatch *dispatch.Worker
}

func NewService(cfg Config, dir directory.Directory, sender delivery.Sender) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	s := &Service{cfg: cfg, dir: dir, startedAt: cfg.Clock().UTC()}

	s.activity = activity.New(activity.Config{
		Limit:   cfg.ActivityLimit,
		WaitMax: cfg.ActivityWaitMax,
		Logger:  cfg.Logger,
		Clock:   cfg.Clock,
	})
	s.store = pending.NewStore(pending.Config{
		Clock: cfg.Clock,
		OnGap: func(g pending.Gap) {
			s.activity.Warn(activity.TitleConsistencyGap,
				"tag %d entry removed with pending=%d and %d payloads; counts repaired",
				g.TagID, g.PendingCount, g.Payloads)
		},
	})
	s.queue = ingest.NewQueue(cfg.QueueCapacity, cfg.Clock)
	s.ingest = ingest.NewWorker(ingest.Config{
		PollInterval: cfg.PollInterval,
		ErrorBackoff: cfg.ErrorBackoff,
	}, s.queue, dir, s.store, s.activity)
	s.dispatch = dispatch.NewWorker(dispatch.Config{
		PollInterval:      cfg.PollInterval,
		ErrorBackoff:      cfg.ErrorBackoff,
		FanoutConcurrency: cfg.FanoutConcurrency,
		Clock:             cfg.Clock,
	}, s.store, dir, sender, s.activity, dispatch.NewHistory(cfg.HistoryPerAgent))
	return s
}

// Run starts both workers and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ingest.Run(ctx) })
	g.Go(func() error { return s.dispatch.Run(ctx) })
	s.cfg.Logger.Info("pipeline workers started",
		"poll_interval", s.cfg.PollInterval,
		"queue_capacity", s.queue.Capacity(),
	)
	return g.Wait()
}

func (s *Service) Activity() *activity.Log { return s.activity }

func (s *Service) Store() *pending.Store { return s.store }

func (s *Service) Submit(text string) (ingest.Item, int, error) {
	item, err := s.queue.Put(text)
	switch {
	case errors.Is(err, ingest.ErrEmptyMessage):
		return ingest.Item{}, 0, NewValidationError("message is empty")
	case errors.Is(err, ingest.ErrQueueFull):
		return ingest.Item{}, s.queue.Len(), newError(CodeUnavailable, "inbound queue is full", true, time.Second)
	case err != nil:
		return ingest.Item{}, 0, NewInternalError(err.Error())
	}
	depth := s.queue.Len()
	s.activity.Info(activity.TitleReceived, "message %s queued (%d bytes, depth %d)", item.ID, len(text), depth)
	return item, depth, nil
}

func (s *Service) Pending() []pending.Entry {
	return s.store.Snapshot()
}

func (s *Service) ActivitySince(ctx context.Context, afterID int64, wait time.Duration) ([]activity.Record, int64) {
	return s.activity.Since(ctx, afterID, wait)
}

func (s *Service) RecentActivity(n int) []activity.Record {
	return s.activity.Recent(n)
}

func (s *Service) ListTags(ctx context.Context) ([]directory.Tag, error) {
	tags, err := s.dir.ListTags(ctx)
	if err != nil {
		return nil, directoryError(err)
	}
	return tags, nil
}

func (s *Service) RegisterTag(ctx context.Context, name string) (directory.Tag, error) {
	tag, err := s.dir.UpsertTag(ctx, name)
	if err != nil {
		return directory.Tag{}, directoryError(err)
	}
	s.activity.Info(activity.TitleTagAdded, "tag %d (%s)", tag.ID, tag.Name)
	return tag, nil
}

func (s *Service) ListAgents(ctx context.Context) ([]directory.Agent, error) {
	agents, err := s.dir.ListAgents(ctx)
	if err != nil {
		return nil, directoryError(err)
	}
	return agents, nil
}

func (s *Service) RegisterAgent(ctx context.Context, input directory.AgentInput) (directory.Agent, error) {
	if _, err := delivery.ParseEndpoint(input.Address); input.Address != "" && err != nil {
		return directory.Agent{}, NewValidationError(err.Error())
	}
	agent, err := s.dir.UpsertAgent(ctx, input)
	if err != nil {
		return directory.Agent{}, directoryError(err)
	}
	s.activity.Info(activity.TitleAgentAdded, "agent %d (%s) at %s for %v", agent.ID, agent.Name, agent.Address, agent.Tags)
	return agent, nil
}

func (s *Service) AgentHistory(agentID int64) []dispatch.Delivery {
	return s.dispatch.History().For(agentID)
}

func (s *Service) Health() map[string]any {
	return map[string]any{
		"ok":          true,
		"status":      "healthy",
		"queue_depth": s.queue.Len(),
		"pending":     s.store.Len(),
	}
}

func (s *Service) SystemStatus() map[string]any {
	return map[string]any{
		"ok": true,
		"system": map[string]any{
			"started_at":     s.startedAt,
			"uptime_seconds": int64(s.cfg.Clock().Sub(s.startedAt).Seconds()),
			"queue_depth":    s.queue.Len(),
			"queue_capacity": s.queue.Capacity(),
			"store":          s.store.Stats(),
			"ingest":         s.ingest.Stats(),
			"dispatch":       s.dispatch.Stats(),
			"activity_last":  s.activity.LastID(),
		},
	}
}

func directoryError(err error) error {
	switch {
	case errors.Is(err, directory.ErrInvalid):
		return NewValidationError(err.Error())
	case errors.Is(err, directory.ErrNotFound):
		return newError(CodeNotFound, err.Error(), false, 0)
	default:
		return NewInternalError(fmt.Sprintf("directory: %v", err))
	}
}
