package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryDirectory is an in-process Directory. Ids are assigned from 1 in
// creation order, as the SQL tables do.
type MemoryDirectory struct {
	mu sync.RWMutex

	nextTagID   int64
	nextAgentID int64

	tagIDs      map[string]int64
	tagNames    map[int64]string
	agents      map[int64]*Agent
	agentByName map[string]int64
	subscribers map[int64]map[int64]struct{}
}

func NewMemory() *MemoryDirectory {
	return &MemoryDirectory{
		tagIDs:      map[string]int64{},
		tagNames:    map[int64]string{},
		agents:      map[int64]*Agent{},
		agentByName: map[string]int64{},
		subscribers: map[int64]map[int64]struct{}{},
	}
}

func (d *MemoryDirectory) Close() error { return nil }

func (d *MemoryDirectory) ResolveTagIDs(_ context.Context, names []string) ([]int64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]int64, 0, len(names))
	for _, name := range names {
		if id, ok := d.tagIDs[name]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) AgentsForTag(_ context.Context, tagID int64) ([]Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := []Agent{}
	for agentID := range d.subscribers[tagID] {
		a := d.agents[agentID]
		out = append(out, Agent{ID: a.ID, Name: a.Name, Address: a.Address})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *MemoryDirectory) EndpointForAgent(_ context.Context, agentID int64) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[agentID]
	if !ok {
		return "", fmt.Errorf("agent %d: %w", agentID, ErrNotFound)
	}
	return a.Address, nil
}

func (d *MemoryDirectory) TagName(_ context.Context, tagID int64) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	name, ok := d.tagNames[tagID]
	if !ok {
		return "", fmt.Errorf("tag %d: %w", tagID, ErrNotFound)
	}
	return name, nil
}

func (d *MemoryDirectory) UpsertTag(_ context.Context, name string) (Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Tag{}, fmt.Errorf("%w: tag name is required", ErrInvalid)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.upsertTagLocked(name), nil
}

func (d *MemoryDirectory) upsertTagLocked(name string) Tag {
	if id, ok := d.tagIDs[name]; ok {
		return Tag{ID: id, Name: name}
	}
	d.nextTagID++
	d.tagIDs[name] = d.nextTagID
	d.tagNames[d.nextTagID] = name
	return Tag{ID: d.nextTagID, Name: name}
}

func (d *MemoryDirectory) UpsertAgent(_ context.Context, input AgentInput) (Agent, error) {
	if err := validateAgentInput(input); err != nil {
		return Agent{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.agentByName[input.Name]
	if !ok {
		d.nextAgentID++
		id = d.nextAgentID
		d.agentByName[input.Name] = id
	}
	for _, subs := range d.subscribers {
		delete(subs, id)
	}

	a := &Agent{ID: id, Name: input.Name, Address: input.Address, Tags: []string{}}
	for _, name := range uniqueNames(input.Tags) {
		tag := d.upsertTagLocked(name)
		subs, ok := d.subscribers[tag.ID]
		if !ok {
			subs = map[int64]struct{}{}
			d.subscribers[tag.ID] = subs
		}
		subs[id] = struct{}{}
		a.Tags = append(a.Tags, tag.Name)
	}
	d.agents[id] = a
	return copyAgent(a), nil
}

func (d *MemoryDirectory) ListTags(_ context.Context) ([]Tag, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Tag, 0, len(d.tagNames))
	for id, name := range d.tagNames {
		out = append(out, Tag{ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *MemoryDirectory) ListAgents(_ context.Context) ([]Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Agent, 0, len(d.agents))
	for _, a := range d.agents {
		cp := copyAgent(a)
		sort.Slice(cp.Tags, func(i, j int) bool { return d.tagIDs[cp.Tags[i]] < d.tagIDs[cp.Tags[j]] })
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyAgent(a *Agent) Agent {
	cp := *a
	cp.Tags = append([]string{}, a.Tags...)
	return cp
}
