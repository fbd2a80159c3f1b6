// Package conflict detects and resolves divergence between a device-local
// and a remote version of the same entity. Detection compares version token
// lineage and payload checksums, never wall clocks; resolution runs a
// configurable strategy pipeline with confidence scoring and escalation.
package conflict

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

type Type string

const (
	// Both sides changed overlapping fields since the common checkpoint.
	TypeConcurrentUpdate Type = "concurrent_update"
	// Changes are on disjoint fields: candidate for auto-merge.
	TypeFieldMismatch Type = "field_mismatch"
	// Value types are incompatible between versions.
	TypeSchema Type = "schema"
	// Ordering cannot be established reliably (missing server timestamps).
	TypeTimestampSkew Type = "timestamp_skew"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
)

type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyFieldPriority Strategy = "field_priority"
	StrategyMerge         Strategy = "merge"
	StrategyManual        Strategy = "manual"
)

// Version is one side of a conflict: opaque data plus the metadata needed to
// reason about it. ServerTS is stamped by the central store on write receipt
// and is the only timestamp ever compared; DeviceTS is audit-only because
// device clocks drift.
type Version struct {
	Data     json.RawMessage `json:"data"`
	Token    string          `json:"token"`
	Checksum string          `json:"checksum"`
	ServerTS time.Time       `json:"server_ts"`
	DeviceTS time.Time       `json:"device_ts,omitempty"`
	Editor   string          `json:"editor,omitempty"`
}

type AuditEntry struct {
	At   time.Time `json:"at"`
	Note string    `json:"note"`
}

// Conflict is a detected divergence. Immutable once Status is resolved:
// re-detection of the same entity/version pair is deduplicated upstream.
type Conflict struct {
	ID         string   `json:"id"`
	SessionID  string   `json:"session_id"`
	DeviceID   string   `json:"device_id"`
	Source     string   `json:"source"`
	EntityType string   `json:"entity_type"`
	EntityID   string   `json:"entity_id"`
	Fields     []string `json:"fields"`
	Base       Version  `json:"base,omitempty"` // common ancestor, when known
	Local      Version  `json:"local"`
	Remote     Version  `json:"remote"`
	Type       Type     `json:"type"`
	Status     Status   `json:"status"`

	Strategy      Strategy     `json:"strategy,omitempty"`
	Resolved      *Version     `json:"resolved,omitempty"`
	Confidence    float64      `json:"confidence,omitempty"`
	ResolvedBy    string       `json:"resolved_by,omitempty"` // "system" or a user ID
	ApplyFailures int          `json:"apply_failures,omitempty"`
	Audit         []AuditEntry `json:"audit,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

func (c *Conflict) AddAudit(note string) {
	c.Audit = append(c.Audit, AuditEntry{At: time.Now(), Note: note})
}

// VersionPairKey identifies a conflict by entity and the exact version pair.
// Resolutions are idempotent on this key: applying the same resolved
// conflict twice is a no-op.
func (c *Conflict) VersionPairKey() string {
	return VersionPairKey(c.EntityType, c.EntityID, c.Local.Token, c.Remote.Token)
}

func VersionPairKey(entityType, entityID, localToken, remoteToken string) string {
	return entityType + "|" + entityID + "|" + localToken + "|" + remoteToken
}

// Checksum fingerprints a payload. Used to detect divergence when version
// tokens alone cannot (e.g. a device re-captured the same edit).
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
