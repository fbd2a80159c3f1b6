package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/outreach-health/fieldsync/conflict"
	"github.com/outreach-health/fieldsync/internal"
	"github.com/outreach-health/fieldsync/netmon"
	"github.com/outreach-health/fieldsync/queue"
)

// The engine depends on narrow interfaces rather than the state package
// directly so the orchestration logic is testable without Postgres. The
// state package satisfies all of them.

type ConflictLog interface {
	// Insert logs a detected conflict; false means the same entity/version
	// pair is already logged (idempotent re-detection).
	Insert(ctx context.Context, c *conflict.Conflict) (bool, error)
	Update(ctx context.Context, c *conflict.Conflict) error
	Get(ctx context.Context, id string) (*conflict.Conflict, error)
	GetByVersionPair(ctx context.Context, entityType, entityID, localToken, remoteToken string) (*conflict.Conflict, error)
	Select(ctx context.Context, deviceID string, status conflict.Status) ([]conflict.Conflict, error)
}

type Checkpoints interface {
	Advance(ctx context.Context, deviceID, source, token string) error
	Token(ctx context.Context, deviceID, source string) (string, error)
}

type DeviceRegistry interface {
	Get(ctx context.Context, deviceID string) (*internal.DeviceRegistration, error)
	Upsert(ctx context.Context, reg *internal.DeviceRegistration) error
	TouchLastSeen(ctx context.Context, deviceID, sessionID string, at time.Time) error
}

// NetworkSource serves the latest connectivity snapshot without blocking.
type NetworkSource interface {
	Status() netmon.Status
}

// RemoteItem is one change pulled from the central store, in the server's
// authoritative order.
type RemoteItem struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Data       json.RawMessage `json:"data"`
	Token      string          `json:"token"`
	Checksum   string          `json:"checksum"`
	ServerTS   time.Time       `json:"server_ts"`
	Deleted    bool            `json:"deleted,omitempty"`
}

// Transport is the engine's boundary to the central store and the device
// downlink. Implementations must honour ctx deadlines; the engine applies a
// per-operation timeout so one slow call cannot stall a whole session.
type Transport interface {
	// Pull returns changes after the cursor, in server order, plus the next
	// cursor. No items means caught up; items without a forward cursor end
	// the pass after delivery.
	Pull(ctx context.Context, source, since string, limit int) (items []RemoteItem, next string, err error)
	// Ancestor fetches the entity's version as of the device's acknowledged
	// cursor, for conflict classification. nil means unavailable.
	Ancestor(ctx context.Context, source, entityType, entityID, since string) (*conflict.Version, error)
	// Push applies a device mutation (or a resolved version) upstream and
	// returns the server-assigned token and server-observed timestamp.
	Push(ctx context.Context, source string, op queue.Op, entityType, entityID string, data json.RawMessage) (token string, serverTS time.Time, err error)
	// Deliver ships one encoded batch frame down to the device.
	Deliver(ctx context.Context, deviceID, source string, frame []byte, count int) error
}
