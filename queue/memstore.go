package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/outreach-health/fieldsync/internal"
)

// MemoryStore is an in-memory Store. It backs engine tests and small
// single-process deployments; production uses state.QueueTable.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
	seq   map[string]int // insertion order, for stable tie-breaking
	next  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Item),
		seq:   make(map[string]int),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, item *Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return internal.Validationf("queue item %s already exists", item.ID)
	}
	cp := *item
	s.items[item.ID] = &cp
	s.seq[item.ID] = s.next
	s.next++
	return nil
}

func (s *MemoryStore) depsCompleted(it *Item) bool {
	for _, dep := range it.DependsOn {
		d, ok := s.items[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (s *MemoryStore) Claim(ctx context.Context, deviceID, source string, ord Ordering, limit int, now time.Time) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ready []*Item
	for _, it := range s.items {
		if it.DeviceID != deviceID || it.Status != StatusPending || it.NextAttempt.After(now) {
			continue
		}
		if source != "" && it.Source != source {
			continue
		}
		if !s.depsCompleted(it) {
			continue
		}
		ready = append(ready, it)
	}
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		switch ord {
		case OrderLIFO:
			return s.seq[a.ID] > s.seq[b.ID]
		case OrderPriority:
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return s.seq[a.ID] < s.seq[b.ID]
		default: // fifo
			return s.seq[a.ID] < s.seq[b.ID]
		}
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]Item, 0, len(ready))
	for _, it := range ready {
		it.Status = StatusProcessing
		it.LastAttempt = now
		out = append(out, *it)
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, nil
	}
	cp := *it
	return &cp, nil
}

func (s *MemoryStore) SelectByIDs(ctx context.Context, ids []string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, id := range ids {
		if it, ok := s.items[id]; ok {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (s *MemoryStore) SelectByDevice(ctx context.Context, deviceID string, status Status) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Item
	for _, it := range s.items {
		if it.DeviceID != deviceID {
			continue
		}
		if status != "" && it.Status != status {
			continue
		}
		out = append(out, *it)
	}
	sort.SliceStable(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

func (s *MemoryStore) SelectPendingEntity(ctx context.Context, deviceID, source, entityType, entityID string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *Item
	for _, it := range s.items {
		if it.DeviceID != deviceID || it.Source != source || it.EntityType != entityType || it.EntityID != entityID {
			continue
		}
		if it.Status != StatusPending && it.Status != StatusProcessing {
			continue
		}
		// newest mutation wins if the device queued several for one entity
		if found == nil || s.seq[it.ID] > s.seq[found.ID] {
			found = it
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, id string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return internal.NotFoundf("queue item %s not found", id)
	}
	it.Status = status
	it.Error = errMsg
	return nil
}

func (s *MemoryStore) SetRetry(ctx context.Context, id string, retries int, nextAttempt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return internal.NotFoundf("queue item %s not found", id)
	}
	it.Status = StatusPending
	it.Retries = retries
	it.NextAttempt = nextAttempt
	it.Error = errMsg
	return nil
}

func (s *MemoryStore) PendingCount(ctx context.Context, deviceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, it := range s.items {
		if it.DeviceID == deviceID && (it.Status == StatusPending || it.Status == StatusProcessing) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ResetProcessing(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, it := range s.items {
		if it.Status == StatusProcessing {
			it.Status = StatusPending
			n++
		}
	}
	return n, nil
}
