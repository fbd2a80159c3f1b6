package state

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
)

// CheckpointTable tracks, per device and data source, the last remote
// position the device has acknowledged. Incremental pulls start here.
type CheckpointTable struct {
	db *sqlx.DB
}

func NewCheckpointTable(db *sqlx.DB) *CheckpointTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS fieldsync_checkpoints (
		device_id TEXT NOT NULL,
		source TEXT NOT NULL,
		token TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		UNIQUE(device_id, source)
	);
	`)
	return &CheckpointTable{db: db}
}

// Advance moves the checkpoint forward. The token is opaque; ordering is the
// server's concern, so we always overwrite.
func (t *CheckpointTable) Advance(ctx context.Context, deviceID, source, token string) error {
	_, err := t.db.ExecContext(ctx, `
	INSERT INTO fieldsync_checkpoints(device_id, source, token, applied_at) VALUES($1,$2,$3,$4)
	ON CONFLICT (device_id, source) DO UPDATE SET token = $3, applied_at = $4`,
		deviceID, source, token, time.Now())
	return err
}

// Token returns the device's checkpoint for a source, empty string if the
// device has never synced it (callers then perform a full pull).
func (t *CheckpointTable) Token(ctx context.Context, deviceID, source string) (string, error) {
	var token string
	err := t.db.GetContext(ctx, &token, `SELECT token FROM fieldsync_checkpoints WHERE device_id = $1 AND source = $2`, deviceID, source)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return token, err
}

func (t *CheckpointTable) SelectByDevice(ctx context.Context, deviceID string) (map[string]string, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT source, token FROM fieldsync_checkpoints WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var source, token string
		if err := rows.Scan(&source, &token); err != nil {
			return nil, err
		}
		out[source] = token
	}
	return out, rows.Err()
}
