// Package pending holds payloads between ingestion and dispatch, one entry
// per tag id in first-seen order.
package pending

import (
	"sync"
	"time"

	"github.com/joelkehle/agentflow/internal/message"
)

type Config struct {
	// OnGap is called, outside the lock, for every entry PopFront removes
	// because its count and payload list disagree.
	OnGap func(Gap)
	Clock func() time.Time
}

// Entry is a read-only copy of one tag's bookkeeping.
type Entry struct {
	TagID        int64             `json:"tag_id"`
	PendingCount int               `json:"pending_count"`
	Payloads     []message.Payload `json:"payloads"`
	FirstSeen    time.Time         `json:"first_seen"`
}

// Item is one payload removed by PopFront.
type Item struct {
	TagID     int64
	Payload   message.Payload
	Remaining int
}

// Gap describes an entry removed by repair instead of a normal pop.
type Gap struct {
	TagID        int64
	PendingCount int
	Payloads     int
}

// Summary is the state of one entry right after an append.
type Summary struct {
	TagID        int64
	PendingCount int
	Created      bool
}

type entry struct {
	tagID     int64
	count     int
	payloads  []message.Payload
	firstSeen time.Time
}

type Store struct {
	mu sync.Mutex

	cfg     Config
	entries []*entry
	index   map[int64]*entry

	appended int64
	popped   int64
	gaps     int64

	ready chan struct{}
}

func NewStore(cfg Config) *Store {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Store{
		cfg:   cfg,
		index: map[int64]*entry{},
		ready: make(chan struct{}, 1),
	}
}

// Ready is signalled after every append. Receivers should still re-check
// with PopFront on a timer: one signal may cover many appends.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

func (s *Store) Append(tagID int64, payload message.Payload) Summary {
	return s.AppendAll([]int64{tagID}, payload)[0]
}

// AppendAll adds payload to every tag in tagIDs under one lock acquisition,
// so a multi-tag message is never partially visible. Duplicate ids are
// applied once.
func (s *Store) AppendAll(tagIDs []int64, payload message.Payload) []Summary {
	if len(tagIDs) == 0 {
		return nil
	}
	s.mu.Lock()
	now := s.cfg.Clock().UTC()
	seen := make(map[int64]struct{}, len(tagIDs))
	out := make([]Summary, 0, len(tagIDs))
	for _, id := range tagIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, s.appendLocked(id, payload, now))
	}
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
	return out
}

func (s *Store) appendLocked(tagID int64, payload message.Payload, now time.Time) Summary {
	e, ok := s.index[tagID]
	if !ok {
		e = &entry{tagID: tagID, firstSeen: now}
		s.index[tagID] = e
		s.entries = append(s.entries, e)
	}
	e.count++
	e.payloads = append(e.payloads, payload)
	s.appended++
	return Summary{TagID: tagID, PendingCount: e.count, Created: !ok}
}

// PopFront removes the first payload of the oldest entry. Entries whose
// count is positive with no payloads left, or whose count runs out while
// payloads remain, are removed and reported through Config.OnGap; the
// scan then moves on to the next entry. ok is false when the store is
// empty.
func (s *Store) PopFront() (Item, bool) {
	var gaps []Gap
	item, ok := s.popFront(&gaps)
	if s.cfg.OnGap != nil {
		for _, g := range gaps {
			s.cfg.OnGap(g)
		}
	}
	return item, ok
}

func (s *Store) popFront(gaps *[]Gap) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.entries) > 0 {
		e := s.entries[0]
		if len(e.payloads) == 0 || e.count <= 0 {
			*gaps = append(*gaps, Gap{TagID: e.tagID, PendingCount: e.count, Payloads: len(e.payloads)})
			s.removeFrontLocked()
			s.gaps++
			continue
		}

		payload := e.payloads[0]
		e.payloads[0] = nil
		e.payloads = e.payloads[1:]
		e.count--
		s.popped++
		if e.count == 0 {
			if len(e.payloads) > 0 {
				*gaps = append(*gaps, Gap{TagID: e.tagID, PendingCount: 0, Payloads: len(e.payloads)})
				s.gaps++
			}
			s.removeFrontLocked()
		}
		return Item{TagID: e.tagID, Payload: payload, Remaining: e.count}, true
	}
	return Item{}, false
}

func (s *Store) removeFrontLocked() {
	e := s.entries[0]
	s.entries[0] = nil
	s.entries = s.entries[1:]
	delete(s.index, e.tagID)
	if len(s.entries) == 0 {
		s.entries = nil
	}
}

// Snapshot returns deep copies of all entries in dispatch order.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		payloads := make([]message.Payload, len(e.payloads))
		for i, p := range e.payloads {
			payloads[i] = p.Clone()
		}
		out = append(out, Entry{
			TagID:        e.tagID,
			PendingCount: e.count,
			Payloads:     payloads,
			FirstSeen:    e.firstSeen,
		})
	}
	return out
}

// Len is the number of entries, not payloads.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type Stats struct {
	Entries  int   `json:"entries"`
	Pending  int   `json:"pending"`
	Appended int64 `json:"appended"`
	Popped   int64 `json:"popped"`
	Gaps     int64 `json:"gaps"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Entries: len(s.entries), Appended: s.appended, Popped: s.popped, Gaps: s.gaps}
	for _, e := range s.entries {
		st.Pending += e.count
	}
	return st
}
