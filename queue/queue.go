package queue

import (
	"context"
	"math"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/outreach-health/fieldsync/internal"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

const DefaultMaxRetries = 5

// Queue layers policy (ordering, dependency validation, retry/backoff,
// dead-lettering) over a Store.
type Queue struct {
	store    Store
	ordering Ordering
}

func NewQueue(store Store, ordering Ordering) *Queue {
	if ordering == "" {
		ordering = OrderFIFO
	}
	return &Queue{store: store, ordering: ordering}
}

func (q *Queue) Store() Store { return q.store }

// Enqueue validates and persists a new item. Dependency edges must form a
// DAG: a cycle is a configuration error surfaced here, not silently dropped
// at dequeue time.
func (q *Queue) Enqueue(ctx context.Context, item *Item) error {
	if item.DeviceID == "" || item.Source == "" || item.EntityID == "" {
		return internal.Validationf("queue item missing device_id/source/entity_id")
	}
	switch item.Op {
	case OpCreate, OpUpdate, OpDelete:
	default:
		return internal.Validationf("unknown queue op %q", item.Op)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.MaxRetries == 0 {
		item.MaxRetries = DefaultMaxRetries
	}
	now := time.Now()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = now
	}
	if item.NextAttempt.IsZero() {
		item.NextAttempt = item.EnqueuedAt
	}
	item.Status = StatusPending
	if err := q.checkAcyclic(ctx, item); err != nil {
		return err
	}
	return q.store.Insert(ctx, item)
}

// checkAcyclic walks the dependency closure of item and rejects if the walk
// reaches item.ID (clients may supply their own IDs) or finds a pre-existing
// cycle among the ancestors.
func (q *Queue) checkAcyclic(ctx context.Context, item *Item) error {
	visited := map[string]bool{}
	stack := append([]string{}, item.DependsOn...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == item.ID {
			return internal.Validationf("queue item %s: dependency cycle", item.ID)
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		if len(visited) > 10000 {
			// A dependency closure this deep is a bug in the capture layer.
			return internal.Validationf("queue item %s: dependency closure too large", item.ID)
		}
		deps, err := q.store.SelectByIDs(ctx, []string{id})
		if err != nil {
			return err
		}
		for _, dep := range deps {
			stack = append(stack, dep.DependsOn...)
		}
	}
	return nil
}

// Dequeue claims up to batchSize ready items for the device: pending, due,
// and with every dependency completed. Claimed items move to processing
// atomically so concurrent dequeuers never share an item. A non-empty source
// restricts the claim to that data source; dependency checks still span all
// sources.
func (q *Queue) Dequeue(ctx context.Context, deviceID, source string, batchSize int) ([]Item, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	return q.store.Claim(ctx, deviceID, source, q.ordering, batchSize, time.Now())
}

func (q *Queue) MarkCompleted(ctx context.Context, itemID string) error {
	return q.store.SetStatus(ctx, itemID, StatusCompleted, "")
}

func (q *Queue) MarkCancelled(ctx context.Context, itemID string, reason string) error {
	return q.store.SetStatus(ctx, itemID, StatusCancelled, reason)
}

// MarkFailed records a failed application attempt. Transient failures are
// rescheduled with exponential backoff; once the retry cap is exceeded, or
// when the error is not retryable, the item dead-letters.
func (q *Queue) MarkFailed(ctx context.Context, itemID string, cause error) error {
	item, err := q.store.Get(ctx, itemID)
	if err != nil {
		return err
	}
	if item == nil {
		return internal.NotFoundf("queue item %s not found", itemID)
	}
	retries := item.Retries + 1
	msg := cause.Error()
	retryable := internal.IsTransient(cause)
	if !retryable || retries > item.MaxRetries {
		logger.Warn().Str("item", itemID).Str("device", item.DeviceID).
			Int("retries", retries).Bool("retryable", retryable).
			Msg("queue item moved to dead letter")
		return q.store.SetStatus(ctx, itemID, StatusDeadLetter, msg)
	}
	wait := time.Duration(math.Pow(2, float64(retries))) * time.Second
	return q.store.SetRetry(ctx, itemID, retries, time.Now().Add(wait), msg)
}

// Rollback returns a claimed item to pending without consuming a retry.
// Used when a session is interrupted mid-application: the item either
// completed (MarkCompleted) or it goes back, never half-applied.
func (q *Queue) Rollback(ctx context.Context, itemID string) error {
	return q.store.SetStatus(ctx, itemID, StatusPending, "")
}

// Recover resets any item left processing by a previous process. Call once
// on startup, before any session starts.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.store.ResetProcessing(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Info().Int64("items", n).Msg("reset interrupted queue items to pending")
	}
	return n, nil
}

// PendingEntity returns the device's pending mutation for an entity, if any.
// The replicator uses this to spot divergent local versions during pull.
func (q *Queue) PendingEntity(ctx context.Context, deviceID, source, entityType, entityID string) (*Item, error) {
	return q.store.SelectPendingEntity(ctx, deviceID, source, entityType, entityID)
}

func (q *Queue) Backlog(ctx context.Context, deviceID string) (int, error) {
	return q.store.PendingCount(ctx, deviceID)
}
