package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/outreach-health/fieldsync/internal"
)

// DeviceTable stores device registrations. The registration is a single
// JSONB column as we don't need to search inside it.
type DeviceTable struct {
	db *sqlx.DB
}

func NewDeviceTable(db *sqlx.DB) *DeviceTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS fieldsync_devices (
		device_id TEXT NOT NULL PRIMARY KEY,
		facility_id TEXT NOT NULL,
		data JSONB NOT NULL
	);
	-- Allow HOT updates: sessions touch last_seen on every completion.
	ALTER TABLE fieldsync_devices SET (fillfactor = 90);
	`)
	return &DeviceTable{db: db}
}

func (t *DeviceTable) Upsert(ctx context.Context, reg *internal.DeviceRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal device registration: %w", err)
	}
	_, err = t.db.ExecContext(ctx, `
	INSERT INTO fieldsync_devices(device_id, facility_id, data) VALUES($1,$2,$3)
	ON CONFLICT (device_id) DO UPDATE SET facility_id = $2, data = $3`,
		reg.DeviceID, reg.FacilityID, data)
	return err
}

func (t *DeviceTable) Get(ctx context.Context, deviceID string) (*internal.DeviceRegistration, error) {
	var data []byte
	err := t.db.GetContext(ctx, &data, `SELECT data FROM fieldsync_devices WHERE device_id = $1`, deviceID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var reg internal.DeviceRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// TouchLastSeen records session completion without rewriting the whole
// registration: just the two keys change, in place in the JSONB.
func (t *DeviceTable) TouchLastSeen(ctx context.Context, deviceID, sessionID string, at time.Time) error {
	_, err := t.db.ExecContext(ctx, `
	UPDATE fieldsync_devices SET data = jsonb_set(
		jsonb_set(data, '{last_seen}', to_jsonb($2::text), true),
		'{last_session_id}', to_jsonb($3::text), true)
	WHERE device_id = $1`,
		deviceID, at.Format(time.RFC3339Nano), sessionID)
	return err
}

func (t *DeviceTable) SelectByFacility(ctx context.Context, facilityID string) ([]internal.DeviceRegistration, error) {
	var blobs [][]byte
	if err := t.db.SelectContext(ctx, &blobs, `SELECT data FROM fieldsync_devices WHERE facility_id = $1`, facilityID); err != nil {
		return nil, err
	}
	out := make([]internal.DeviceRegistration, 0, len(blobs))
	for _, b := range blobs {
		var reg internal.DeviceRegistration
		if err := json.Unmarshal(b, &reg); err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, nil
}
