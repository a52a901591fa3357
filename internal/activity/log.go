// Package activity keeps the recent processing history of the pipeline as
// a bounded ring of titled records. Every record is also written to slog.
package activity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) SlogLevel() slog.Level {
	switch l {
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Record titles.
const (
	TitleReceived       = "Message Received"
	TitleParsing        = "Parsing Message"
	TitleParsed         = "Message Parsed"
	TitleTagLookup      = "Tag Lookup"
	TitleStoreUpdated   = "Pending Store Updated"
	TitleProcessed      = "Message Processed"
	TitleProcessingTag  = "Processing Tag"
	TitleAgentsFound    = "Agents Found"
	TitleRouting        = "Routing"
	TitleSent           = "Message Sent"
	TitleWarning        = "Warning"
	TitleError          = "Error"
	TitleConsistencyGap = "Consistency Gap"
	TitleTagAdded       = "Tag Registered"
	TitleAgentAdded     = "Agent Registered"
)

type Record struct {
	ID          int64     `json:"id"`
	Time        time.Time `json:"time"`
	Level       Level     `json:"level"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
}

type Config struct {
	Limit   int
	WaitMax time.Duration
	Logger  *slog.Logger
	Clock   func() time.Time
}

type Log struct {
	mu sync.Mutex

	cfg     Config
	nextID  int64
	records []Record
	changed chan struct{}
}

func New(cfg Config) *Log {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.WaitMax <= 0 {
		cfg.WaitMax = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Log{
		cfg:     cfg,
		changed: make(chan struct{}),
	}
}

func (l *Log) Add(level Level, title, description string) Record {
	l.mu.Lock()
	l.nextID++
	rec := Record{
		ID:          l.nextID,
		Time:        l.cfg.Clock().UTC(),
		Level:       level,
		Title:       title,
		Description: description,
	}
	l.records = append(l.records, rec)
	if drop := len(l.records) - l.cfg.Limit; drop > 0 {
		l.records = append([]Record{}, l.records[drop:]...)
	}
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()

	l.cfg.Logger.LogAttrs(context.Background(), level.SlogLevel(), title,
		slog.Int64("activity_id", rec.ID),
		slog.String("description", description),
	)
	return rec
}

func (l *Log) Info(title, format string, args ...any) Record {
	return l.Add(LevelInfo, title, fmt.Sprintf(format, args...))
}

func (l *Log) Warn(title, format string, args ...any) Record {
	return l.Add(LevelWarn, title, fmt.Sprintf(format, args...))
}

func (l *Log) Error(title, format string, args ...any) Record {
	return l.Add(LevelError, title, fmt.Sprintf(format, args...))
}

// Recent returns up to n of the newest records, oldest first. n <= 0 means
// all retained records.
func (l *Log) Recent(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := 0
	if n > 0 && len(l.records) > n {
		start = len(l.records) - n
	}
	return append([]Record{}, l.records[start:]...)
}

// Since returns retained records with id > afterID. With a positive wait it
// blocks until at least one such record exists, the wait elapses (capped
// at Config.WaitMax) or ctx is done. The returned cursor is the id of the
// last record returned, or afterID when none were.
func (l *Log) Since(ctx context.Context, afterID int64, wait time.Duration) ([]Record, int64) {
	if wait < 0 {
		wait = 0
	}
	if wait > l.cfg.WaitMax {
		wait = l.cfg.WaitMax
	}
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		l.mu.Lock()
		out := []Record{}
		last := afterID
		for _, rec := range l.records {
			if rec.ID > afterID {
				out = append(out, rec)
				last = rec.ID
			}
		}
		changed := l.changed
		l.mu.Unlock()

		if len(out) > 0 || wait == 0 {
			return out, last
		}
		select {
		case <-changed:
		case <-timeout:
			return out, last
		case <-ctx.Done():
			return out, last
		}
	}
}

// LastID is the id of the newest record ever added.
func (l *Log) LastID() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID
}
