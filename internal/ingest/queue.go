package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEmptyMessage = errors.New("empty message")
	ErrQueueFull    = errors.New("inbound queue full")
)

// Item is one submitted message. The text is opaque until the worker
// parses it.
type Item struct {
	ID         string    `json:"message_id"`
	Text       string    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
}

// Queue is the FIFO between the submission boundary and the ingestion
// worker.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	capacity int
	clock    func() time.Time
	ready    chan struct{}
}

// NewQueue returns a queue holding at most capacity items; capacity <= 0
// means 10000.
func NewQueue(capacity int, clock func() time.Time) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	if clock == nil {
		clock = time.Now
	}
	return &Queue{capacity: capacity, clock: clock, ready: make(chan struct{}, 1)}
}

func (q *Queue) Put(text string) (Item, error) {
	if strings.TrimSpace(text) == "" {
		return Item{}, ErrEmptyMessage
	}
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		q.mu.Unlock()
		return Item{}, ErrQueueFull
	}
	item := Item{ID: uuid.NewString(), Text: text, ReceivedAt: q.clock().UTC()}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return item, nil
}

func (q *Queue) TryGet() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

// Get waits up to wait for an item. It returns early when one is put or
// ctx is done.
func (q *Queue) Get(ctx context.Context, wait time.Duration) (Item, bool) {
	if item, ok := q.TryGet(); ok {
		return item, true
	}
	if wait <= 0 {
		return Item{}, false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-q.ready:
	case <-timer.C:
	case <-ctx.Done():
		return Item{}, false
	}
	return q.TryGet()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Capacity() int {
	return q.capacity
}
