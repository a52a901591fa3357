// Package ingest turns submitted message text into pending work: parse,
// resolve tag names, append to the pending store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joelkehle/agentflow/internal/activity"
	"github.com/joelkehle/agentflow/internal/directory"
	"github.com/joelkehle/agentflow/internal/message"
	"github.com/joelkehle/agentflow/internal/pending"
)

type Outcome int

const (
	OutcomeStored Outcome = iota
	OutcomeMalformed
	OutcomeUnresolved
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStored:
		return "stored"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeUnresolved:
		return "unresolved"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Config struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration
	Tracer       trace.Tracer
}

type Stats struct {
	Processed  int64 `json:"processed"`
	Stored     int64 `json:"stored"`
	Malformed  int64 `json:"malformed"`
	Unresolved int64 `json:"unresolved"`
	Failed     int64 `json:"failed"`
}

type Worker struct {
	cfg      Config
	queue    *Queue
	resolver directory.TagResolver
	store    *pending.Store
	log      *activity.Log

	processed  atomic.Int64
	stored     atomic.Int64
	malformed  atomic.Int64
	unresolved atomic.Int64
	failed     atomic.Int64
}

func NewWorker(cfg Config, queue *Queue, resolver directory.TagResolver, store *pending.Store, log *activity.Log) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/joelkehle/agentflow/internal/ingest")
	}
	return &Worker{cfg: cfg, queue: queue, resolver: resolver, store: store, log: log}
}

// Run drains the queue until ctx is done. A failed iteration is logged and
// followed by Config.ErrorBackoff; nothing else stops the loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		item, ok := w.queue.Get(ctx, w.cfg.PollInterval)
		if !ok {
			continue
		}
		if _, err := w.safeProcess(ctx, item); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.failed.Add(1)
			w.log.Error(activity.TitleError, "ingestion of message %s failed: %v", item.ID, err)
			sleep(ctx, w.cfg.ErrorBackoff)
		}
	}
}

func (w *Worker) safeProcess(ctx context.Context, item Item) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.Process(ctx, item)
}

// Process runs one message through parse, resolve and store. Malformed and
// unresolvable messages are dropped with a log record and a nil error; an
// error means the iteration itself failed.
func (w *Worker) Process(ctx context.Context, item Item) (Outcome, error) {
	ctx, span := w.cfg.Tracer.Start(ctx, "ingest.message", trace.WithAttributes(
		attribute.String("message.id", item.ID),
	))
	defer span.End()
	w.processed.Add(1)

	w.log.Info(activity.TitleParsing, "parsing message %s (%d bytes)", item.ID, len(item.Text))
	parsed, err := message.Parse(item.Text)
	if err != nil {
		if !errors.Is(err, message.ErrMalformed) {
			span.SetStatus(codes.Error, err.Error())
			return OutcomeMalformed, err
		}
		w.malformed.Add(1)
		w.log.Warn(activity.TitleError, "dropping malformed message %s: %v", item.ID, err)
		span.SetAttributes(attribute.String("ingest.outcome", OutcomeMalformed.String()))
		return OutcomeMalformed, nil
	}
	if parsed.RawFallback {
		w.log.Warn(activity.TitleWarning, "message %s data section is not a readable object; forwarding raw text", item.ID)
	}
	w.log.Info(activity.TitleParsed, "message %s tags=[%s]", item.ID, strings.Join(parsed.Tags, ", "))

	ids, err := w.resolver.ResolveTagIDs(ctx, parsed.Tags)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return OutcomeUnresolved, fmt.Errorf("resolve tags: %w", err)
	}
	w.log.Info(activity.TitleTagLookup, "message %s resolved %d of %d tags to ids %v", item.ID, len(ids), len(parsed.Tags), ids)
	if len(ids) == 0 {
		w.unresolved.Add(1)
		w.log.Warn(activity.TitleWarning, "dropping message %s: no known tags in [%s]", item.ID, strings.Join(parsed.Tags, ", "))
		span.SetAttributes(attribute.String("ingest.outcome", OutcomeUnresolved.String()))
		return OutcomeUnresolved, nil
	}

	for _, sum := range w.store.AppendAll(ids, parsed.Payload) {
		verb := "updated"
		if sum.Created {
			verb = "created"
		}
		w.log.Info(activity.TitleStoreUpdated, "tag %d entry %s, pending=%d", sum.TagID, verb, sum.PendingCount)
	}
	w.stored.Add(1)
	w.log.Info(activity.TitleProcessed, "message %s stored under %d tags", item.ID, len(ids))
	span.SetAttributes(
		attribute.String("ingest.outcome", OutcomeStored.String()),
		attribute.Int("ingest.tags", len(ids)),
	)
	return OutcomeStored, nil
}

func (w *Worker) Stats() Stats {
	return Stats{
		Processed:  w.processed.Load(),
		Stored:     w.stored.Load(),
		Malformed:  w.malformed.Load(),
		Unresolved: w.unresolved.Load(),
		Failed:     w.failed.Load(),
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
