package dispatch

import (
	"sync"
	"time"

	"github.com/joelkehle/agentflow/internal/message"
)

// Delivery is one send attempt to one agent.
type Delivery struct {
	Time  time.Time       `json:"time"`
	TagID int64           `json:"tag_id"`
	Data  message.Payload `json:"data"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
}

// History keeps the most recent deliveries per agent.
type History struct {
	mu      sync.Mutex
	limit   int
	byAgent map[int64][]Delivery
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 20
	}
	return &History{limit: limit, byAgent: map[int64][]Delivery{}}
}

func (h *History) Record(agentID int64, d Delivery) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.byAgent[agentID], d)
	if drop := len(list) - h.limit; drop > 0 {
		list = append([]Delivery{}, list[drop:]...)
	}
	h.byAgent[agentID] = list
}

// For returns the agent's deliveries, newest first.
func (h *History) For(agentID int64) []Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.byAgent[agentID]
	out := make([]Delivery, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		d := list[i]
		d.Data = d.Data.Clone()
		out = append(out, d)
	}
	return out
}
