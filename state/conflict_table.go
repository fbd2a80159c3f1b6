package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/outreach-health/fieldsync/conflict"
	"github.com/outreach-health/fieldsync/sqlutil"
)

// ConflictTable is the durable conflict log. The full conflict is stored as
// a single JSONB column as we don't need to search inside it; the indexed
// columns cover every query the API and engine make. The unique index over
// the version pair makes re-detection of an already-logged conflict a no-op.
type ConflictTable struct {
	db *sqlx.DB
}

func NewConflictTable(db *sqlx.DB) *ConflictTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS fieldsync_conflicts (
		id TEXT NOT NULL PRIMARY KEY,
		device_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		local_token TEXT NOT NULL,
		remote_token TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		status TEXT NOT NULL,
		data JSONB NOT NULL,
		UNIQUE(entity_type, entity_id, local_token, remote_token)
	);
	CREATE INDEX IF NOT EXISTS fieldsync_conflicts_status_idx ON fieldsync_conflicts(status, device_id);
	`)
	return &ConflictTable{db: db}
}

// Insert logs a newly detected conflict. Returns false when the same
// entity/version pair was already logged (duplicate detection across
// sessions), in which case the stored conflict is authoritative.
func (t *ConflictTable) Insert(ctx context.Context, c *conflict.Conflict) (bool, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("failed to marshal conflict: %w", err)
	}
	res, err := t.db.ExecContext(ctx, `
	INSERT INTO fieldsync_conflicts(id, device_id, session_id, entity_type, entity_id, local_token, remote_token, conflict_type, status, data)
	VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (entity_type, entity_id, local_token, remote_token) DO NOTHING`,
		c.ID, c.DeviceID, c.SessionID, c.EntityType, c.EntityID, c.Local.Token, c.Remote.Token,
		string(c.Type), string(c.Status), data)
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	return ra == 1, err
}

// Update persists a status/resolution change. Resolved conflicts are
// immutable: an update to a resolved row is rejected.
func (t *ConflictTable) Update(ctx context.Context, c *conflict.Conflict) error {
	return sqlutil.WithTransaction(ctx, t.db, func(txn *sqlx.Tx) error {
		var status string
		err := txn.QueryRowContext(ctx, `SELECT status FROM fieldsync_conflicts WHERE id = $1 FOR UPDATE`, c.ID).Scan(&status)
		if err != nil {
			return err
		}
		if conflict.Status(status) == conflict.StatusResolved && c.Status != conflict.StatusResolved {
			return fmt.Errorf("conflict %s is resolved and immutable", c.ID)
		}
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal conflict: %w", err)
		}
		_, err = txn.ExecContext(ctx, `UPDATE fieldsync_conflicts SET status = $2, data = $3 WHERE id = $1`,
			c.ID, string(c.Status), data)
		return err
	})
}

func (t *ConflictTable) Get(ctx context.Context, id string) (*conflict.Conflict, error) {
	var data []byte
	err := t.db.GetContext(ctx, &data, `SELECT data FROM fieldsync_conflicts WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c conflict.Conflict
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetByVersionPair returns the logged conflict for this exact version pair,
// if any. Used to keep resolution idempotent across process restarts.
func (t *ConflictTable) GetByVersionPair(ctx context.Context, entityType, entityID, localToken, remoteToken string) (*conflict.Conflict, error) {
	var data []byte
	err := t.db.GetContext(ctx, &data, `
	SELECT data FROM fieldsync_conflicts
	WHERE entity_type = $1 AND entity_id = $2 AND local_token = $3 AND remote_token = $4`,
		entityType, entityID, localToken, remoteToken)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c conflict.Conflict
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *ConflictTable) Select(ctx context.Context, deviceID string, status conflict.Status) ([]conflict.Conflict, error) {
	query := `SELECT data FROM fieldsync_conflicts WHERE 1=1`
	var args []interface{}
	if deviceID != "" {
		args = append(args, deviceID)
		query += fmt.Sprintf(" AND device_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	var blobs [][]byte
	if err := t.db.SelectContext(ctx, &blobs, query, args...); err != nil {
		return nil, err
	}
	out := make([]conflict.Conflict, 0, len(blobs))
	for _, b := range blobs {
		var c conflict.Conflict
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
