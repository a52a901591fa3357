package pending

import (
	"sync"
	"testing"
	"time"

	"github.com/joelkehle/agentflow/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *[]Gap) {
	t.Helper()
	now := time.Date(2026, 2, 17, 0, 0, 0, 0, time.UTC)
	gaps := &[]Gap{}
	s := NewStore(Config{
		OnGap: func(g Gap) { *gaps = append(*gaps, g) },
		Clock: func() time.Time { return now },
	})
	return s, gaps
}

func payload(v string) message.Payload {
	return message.Payload{"q": v}
}

func TestAppendCreatesEntriesInFirstSeenOrder(t *testing.T) {
	s, _ := newTestStore(t)
	sum := s.AppendAll([]int64{1, 2}, payload("hi"))
	require.Len(t, sum, 2)
	assert.True(t, sum[0].Created)
	assert.True(t, sum[1].Created)

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(1), snap[0].TagID)
	assert.Equal(t, 1, snap[0].PendingCount)
	assert.Equal(t, []message.Payload{payload("hi")}, snap[0].Payloads)
	assert.Equal(t, int64(2), snap[1].TagID)
	assert.Equal(t, 1, snap[1].PendingCount)

	again := s.Append(1, payload("again"))
	assert.False(t, again.Created)
	assert.Equal(t, 2, again.PendingCount)
	snap = s.Snapshot()
	assert.Equal(t, int64(1), snap[0].TagID, "append must not reorder entries")
}

func TestAppendAllCollapsesDuplicateIDs(t *testing.T) {
	s, _ := newTestStore(t)
	sum := s.AppendAll([]int64{3, 3, 4, 3}, payload("x"))
	require.Len(t, sum, 2)
	assert.Equal(t, int64(3), sum[0].TagID)
	assert.Equal(t, int64(4), sum[1].TagID)
	assert.Equal(t, 1, s.Snapshot()[0].PendingCount)
	assert.Nil(t, s.AppendAll(nil, payload("x")))
}

func TestPopFrontDrainsOldestTagFirst(t *testing.T) {
	s, _ := newTestStore(t)
	s.Append(1, payload("a1"))
	s.Append(2, payload("b1"))
	s.Append(1, payload("a2"))

	var order []string
	for {
		item, ok := s.PopFront()
		if !ok {
			break
		}
		order = append(order, item.Payload["q"].(string))
	}
	assert.Equal(t, []string{"a1", "a2", "b1"}, order)
	assert.Equal(t, 0, s.Len())
}

func TestPopFrontRemovesEntryOnlyAfterLastPayload(t *testing.T) {
	s, _ := newTestStore(t)
	s.Append(7, payload("P1"))
	s.Append(7, payload("P2"))

	item, ok := s.PopFront()
	require.True(t, ok)
	assert.Equal(t, "P1", item.Payload["q"])
	assert.Equal(t, 1, item.Remaining)
	require.Equal(t, 1, s.Len())

	item, ok = s.PopFront()
	require.True(t, ok)
	assert.Equal(t, "P2", item.Payload["q"])
	assert.Equal(t, 0, item.Remaining)
	assert.Equal(t, 0, s.Len())

	_, ok = s.PopFront()
	assert.False(t, ok)
}

func TestDrainRemovesExactlySumOfCounts(t *testing.T) {
	s, gaps := newTestStore(t)
	for i := 0; i < 50; i++ {
		s.AppendAll([]int64{int64(i % 7), int64(i % 3)}, payload("x"))
	}
	total := 0
	for _, e := range s.Snapshot() {
		total += e.PendingCount
	}

	popped := 0
	for {
		if _, ok := s.PopFront(); !ok {
			break
		}
		popped++
	}
	assert.Equal(t, total, popped)
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, *gaps)
	st := s.Stats()
	assert.Equal(t, int64(popped), st.Popped)
	assert.Equal(t, int64(total), st.Appended)
}

func TestPopFrontRepairsEmptyEntryAndContinues(t *testing.T) {
	s, gaps := newTestStore(t)
	s.Append(1, payload("lost"))
	s.Append(2, payload("kept"))

	// Simulate an entry whose payload went missing after its count was bumped.
	s.mu.Lock()
	s.index[1].payloads = nil
	s.mu.Unlock()

	item, ok := s.PopFront()
	require.True(t, ok)
	assert.Equal(t, int64(2), item.TagID)
	assert.Equal(t, "kept", item.Payload["q"])
	require.Len(t, *gaps, 1)
	assert.Equal(t, Gap{TagID: 1, PendingCount: 1, Payloads: 0}, (*gaps)[0])
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(1), s.Stats().Gaps)
}

func TestPopFrontRepairsCountExhaustedWithPayloadsLeft(t *testing.T) {
	s, gaps := newTestStore(t)
	s.Append(5, payload("p1"))
	s.Append(5, payload("p2"))

	s.mu.Lock()
	s.index[5].count = 1
	s.mu.Unlock()

	item, ok := s.PopFront()
	require.True(t, ok)
	assert.Equal(t, "p1", item.Payload["q"])
	assert.Equal(t, 0, s.Len())
	require.Len(t, *gaps, 1)
	assert.Equal(t, Gap{TagID: 5, PendingCount: 0, Payloads: 1}, (*gaps)[0])
}

func TestPopFrontOnlyGapsReturnsEmpty(t *testing.T) {
	s, gaps := newTestStore(t)
	s.Append(1, payload("a"))
	s.mu.Lock()
	s.index[1].payloads = nil
	s.mu.Unlock()

	_, ok := s.PopFront()
	assert.False(t, ok)
	assert.Len(t, *gaps, 1)
}

func TestEntryRecreatedAfterDrain(t *testing.T) {
	s, _ := newTestStore(t)
	s.Append(1, payload("a"))
	s.Append(2, payload("b"))
	_, _ = s.PopFront()

	sum := s.Append(1, payload("c"))
	assert.True(t, sum.Created)
	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, int64(2), snap[0].TagID)
	assert.Equal(t, int64(1), snap[1].TagID)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s, _ := newTestStore(t)
	s.Append(1, message.Payload{"nested": map[string]any{"k": "v"}})

	snap := s.Snapshot()
	snap[0].Payloads[0]["nested"].(map[string]any)["k"] = "changed"
	snap[0].PendingCount = 99

	item, ok := s.PopFront()
	require.True(t, ok)
	assert.Equal(t, "v", item.Payload["nested"].(map[string]any)["k"])
}

func TestReadySignalledOnAppend(t *testing.T) {
	s, _ := newTestStore(t)
	select {
	case <-s.Ready():
		t.Fatalf("unexpected ready signal on empty store")
	default:
	}
	s.Append(1, payload("a"))
	s.Append(1, payload("b"))
	select {
	case <-s.Ready():
	case <-time.After(time.Second):
		t.Fatalf("expected ready signal")
	}
}

func TestConcurrentAppendAndPop(t *testing.T) {
	s := NewStore(Config{})
	const producers, perProducer = 4, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				s.Append(int64(i%5), message.Payload{"p": p, "i": i})
			}
		}(p)
	}

	got := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		if _, ok := s.PopFront(); ok {
			got++
			continue
		}
		select {
		case <-done:
			for {
				if _, ok := s.PopFront(); !ok {
					assert.Equal(t, producers*perProducer, got)
					return
				}
				got++
			}
		default:
		}
	}
}
