// Package queue implements the durable per-device offline mutation queue:
// ordering policies, dependency DAGs, retry/backoff bookkeeping and
// dead-lettering. Storage is behind the Store interface; the Postgres
// implementation lives in the state package, an in-memory one in this
// package for engine tests.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	// StatusDeadLetter items exhausted their retry budget. Excluded from
	// Dequeue but kept inspectable for manual intervention.
	StatusDeadLetter Status = "dead_letter"
)

// Ordering is the dequeue policy for a queue instance.
type Ordering string

const (
	OrderFIFO     Ordering = "fifo"
	OrderLIFO     Ordering = "lifo"
	OrderPriority Ordering = "priority" // ties broken by enqueue order
)

// Item is one pending local mutation captured on a device. The payload is an
// opaque versioned blob; the engine only inspects it during conflict
// detection, and then only for data sources it knows about.
type Item struct {
	ID           string          `json:"id"`
	DeviceID     string          `json:"device_id"`
	Source       string          `json:"source"`
	Op           Op              `json:"op"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Payload      json.RawMessage `json:"payload"`
	VersionToken string          `json:"version_token"`
	DeviceTS     time.Time       `json:"device_ts"`
	Priority     int             `json:"priority"`
	Retries      int             `json:"retries"`
	MaxRetries   int             `json:"max_retries"`
	DependsOn    []string        `json:"depends_on,omitempty"`
	Status       Status          `json:"status"`
	Error        string          `json:"error,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	LastAttempt  time.Time       `json:"last_attempt,omitempty"`
	NextAttempt  time.Time       `json:"next_attempt"`
}

// Store is the persistence contract for queue items. Claim must be atomic
// with respect to concurrent claimers for the same device: no two callers
// may receive the same item.
type Store interface {
	Insert(ctx context.Context, item *Item) error
	// Claim atomically selects up to limit items which are pending, due
	// (next_attempt <= now) and whose dependencies are all completed, marks
	// them processing and returns them in policy order. A non-empty source
	// restricts the claim; dependency checks still span all sources.
	Claim(ctx context.Context, deviceID, source string, ord Ordering, limit int, now time.Time) ([]Item, error)
	Get(ctx context.Context, id string) (*Item, error)
	SelectByIDs(ctx context.Context, ids []string) ([]Item, error)
	SelectByDevice(ctx context.Context, deviceID string, status Status) ([]Item, error)
	SelectPendingEntity(ctx context.Context, deviceID, source, entityType, entityID string) (*Item, error)
	SetStatus(ctx context.Context, id string, status Status, errMsg string) error
	SetRetry(ctx context.Context, id string, retries int, nextAttempt time.Time, errMsg string) error
	PendingCount(ctx context.Context, deviceID string) (int, error)
	// ResetProcessing moves every processing item back to pending. Called
	// once on startup: an item left processing means the process died
	// mid-application, and we never assume interrupted work completed.
	ResetProcessing(ctx context.Context) (int64, error)
}
