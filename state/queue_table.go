package state

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/outreach-health/fieldsync/queue"
)

// QueueTable is the durable implementation of queue.Store. The queue is
// authoritative state, not a cache: completed items are kept (archived in
// place) so dependency edges stay resolvable.
type QueueTable struct {
	db *sqlx.DB
}

func NewQueueTable(db *sqlx.DB) *QueueTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS fieldsync_queue (
		id TEXT NOT NULL PRIMARY KEY,
		device_id TEXT NOT NULL,
		source TEXT NOT NULL,
		op TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload JSONB NOT NULL,
		version_token TEXT NOT NULL DEFAULT '',
		device_ts TIMESTAMPTZ,
		priority INTEGER NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 5,
		depends_on TEXT[] NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		enqueued_at TIMESTAMPTZ NOT NULL,
		last_attempt TIMESTAMPTZ,
		next_attempt TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS fieldsync_queue_claim_idx ON fieldsync_queue(device_id, status, next_attempt);
	CREATE INDEX IF NOT EXISTS fieldsync_queue_entity_idx ON fieldsync_queue(device_id, source, entity_type, entity_id);
	`)
	return &QueueTable{db: db}
}

type queueRow struct {
	ID           string         `db:"id"`
	DeviceID     string         `db:"device_id"`
	Source       string         `db:"source"`
	Op           string         `db:"op"`
	EntityType   string         `db:"entity_type"`
	EntityID     string         `db:"entity_id"`
	Payload      []byte         `db:"payload"`
	VersionToken string         `db:"version_token"`
	DeviceTS     sql.NullTime   `db:"device_ts"`
	Priority     int            `db:"priority"`
	Retries      int            `db:"retries"`
	MaxRetries   int            `db:"max_retries"`
	DependsOn    pq.StringArray `db:"depends_on"`
	Status       string         `db:"status"`
	Error        string         `db:"error"`
	EnqueuedAt   time.Time      `db:"enqueued_at"`
	LastAttempt  sql.NullTime   `db:"last_attempt"`
	NextAttempt  time.Time      `db:"next_attempt"`
}

func (r *queueRow) item() queue.Item {
	it := queue.Item{
		ID:           r.ID,
		DeviceID:     r.DeviceID,
		Source:       r.Source,
		Op:           queue.Op(r.Op),
		EntityType:   r.EntityType,
		EntityID:     r.EntityID,
		Payload:      r.Payload,
		VersionToken: r.VersionToken,
		Priority:     r.Priority,
		Retries:      r.Retries,
		MaxRetries:   r.MaxRetries,
		DependsOn:    r.DependsOn,
		Status:       queue.Status(r.Status),
		Error:        r.Error,
		EnqueuedAt:   r.EnqueuedAt,
		NextAttempt:  r.NextAttempt,
	}
	if r.DeviceTS.Valid {
		it.DeviceTS = r.DeviceTS.Time
	}
	if r.LastAttempt.Valid {
		it.LastAttempt = r.LastAttempt.Time
	}
	return it
}

const queueCols = `id, device_id, source, op, entity_type, entity_id, payload, version_token,
	device_ts, priority, retries, max_retries, depends_on, status, error, enqueued_at, last_attempt, next_attempt`

func (t *QueueTable) Insert(ctx context.Context, item *queue.Item) error {
	var deviceTS interface{}
	if !item.DeviceTS.IsZero() {
		deviceTS = item.DeviceTS
	}
	_, err := t.db.ExecContext(ctx, `
	INSERT INTO fieldsync_queue(id, device_id, source, op, entity_type, entity_id, payload, version_token,
		device_ts, priority, retries, max_retries, depends_on, status, error, enqueued_at, next_attempt)
	VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		item.ID, item.DeviceID, item.Source, string(item.Op), item.EntityType, item.EntityID,
		[]byte(item.Payload), item.VersionToken, deviceTS, item.Priority, item.Retries, item.MaxRetries,
		pq.StringArray(item.DependsOn), string(item.Status), item.Error, item.EnqueuedAt, item.NextAttempt)
	return err
}

func orderClause(ord queue.Ordering) string {
	switch ord {
	case queue.OrderLIFO:
		return "q.enqueued_at DESC, q.id DESC"
	case queue.OrderPriority:
		return "q.priority DESC, q.enqueued_at ASC, q.id ASC"
	}
	return "q.enqueued_at ASC, q.id ASC"
}

// Claim atomically moves ready items to processing and returns them.
// FOR UPDATE SKIP LOCKED makes concurrent claimers for the same device skip
// each other's rows instead of double-claiming or deadlocking. A dependency
// that is missing from the table blocks its dependent, same as an incomplete
// one: we never guess that unknown work happened.
func (t *QueueTable) Claim(ctx context.Context, deviceID, source string, ord queue.Ordering, limit int, now time.Time) ([]queue.Item, error) {
	rows := []queueRow{}
	err := t.db.SelectContext(ctx, &rows, fmt.Sprintf(`
	UPDATE fieldsync_queue SET status = 'processing', last_attempt = $2
	WHERE id IN (
		SELECT q.id FROM fieldsync_queue q
		WHERE q.device_id = $1 AND q.status = 'pending' AND q.next_attempt <= $2
		AND ($4 = '' OR q.source = $4)
		AND NOT EXISTS (
			SELECT 1 FROM unnest(q.depends_on) AS dep(id)
			LEFT JOIN fieldsync_queue d ON d.id = dep.id
			WHERE d.id IS NULL OR d.status != 'completed'
		)
		ORDER BY %s
		LIMIT $3
		FOR UPDATE SKIP LOCKED
	)
	RETURNING `+queueCols, orderClause(ord)), deviceID, now, limit, source)
	if err != nil {
		return nil, err
	}
	items := make([]queue.Item, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].item())
	}
	// RETURNING does not preserve the subquery order
	sortItems(items, ord)
	return items, nil
}

func sortItems(items []queue.Item, ord queue.Ordering) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := &items[i], &items[j]
		switch ord {
		case queue.OrderLIFO:
			if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
				return a.EnqueuedAt.After(b.EnqueuedAt)
			}
			return a.ID > b.ID
		case queue.OrderPriority:
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})
}

func (t *QueueTable) Get(ctx context.Context, id string) (*queue.Item, error) {
	var row queueRow
	err := t.db.GetContext(ctx, &row, `SELECT `+queueCols+` FROM fieldsync_queue q WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	it := row.item()
	return &it, nil
}

func (t *QueueTable) SelectByIDs(ctx context.Context, ids []string) ([]queue.Item, error) {
	rows := []queueRow{}
	err := t.db.SelectContext(ctx, &rows, `SELECT `+queueCols+` FROM fieldsync_queue q WHERE id = ANY($1)`, pq.StringArray(ids))
	if err != nil {
		return nil, err
	}
	items := make([]queue.Item, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].item())
	}
	return items, nil
}

func (t *QueueTable) SelectByDevice(ctx context.Context, deviceID string, status queue.Status) ([]queue.Item, error) {
	rows := []queueRow{}
	var err error
	if status == "" {
		err = t.db.SelectContext(ctx, &rows, `SELECT `+queueCols+` FROM fieldsync_queue q WHERE device_id = $1 ORDER BY enqueued_at ASC, id ASC`, deviceID)
	} else {
		err = t.db.SelectContext(ctx, &rows, `SELECT `+queueCols+` FROM fieldsync_queue q WHERE device_id = $1 AND status = $2 ORDER BY enqueued_at ASC, id ASC`, deviceID, string(status))
	}
	if err != nil {
		return nil, err
	}
	items := make([]queue.Item, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].item())
	}
	return items, nil
}

func (t *QueueTable) SelectPendingEntity(ctx context.Context, deviceID, source, entityType, entityID string) (*queue.Item, error) {
	var row queueRow
	err := t.db.GetContext(ctx, &row, `
	SELECT `+queueCols+` FROM fieldsync_queue q
	WHERE device_id = $1 AND source = $2 AND entity_type = $3 AND entity_id = $4
	AND status IN ('pending','processing')
	ORDER BY enqueued_at DESC, id DESC LIMIT 1`, deviceID, source, entityType, entityID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	it := row.item()
	return &it, nil
}

func (t *QueueTable) SetStatus(ctx context.Context, id string, status queue.Status, errMsg string) error {
	_, err := t.db.ExecContext(ctx, `UPDATE fieldsync_queue SET status = $2, error = $3 WHERE id = $1`, id, string(status), errMsg)
	return err
}

func (t *QueueTable) SetRetry(ctx context.Context, id string, retries int, nextAttempt time.Time, errMsg string) error {
	_, err := t.db.ExecContext(ctx, `
	UPDATE fieldsync_queue SET status = 'pending', retries = $2, next_attempt = $3, error = $4 WHERE id = $1`,
		id, retries, nextAttempt, errMsg)
	return err
}

func (t *QueueTable) PendingCount(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := t.db.GetContext(ctx, &n, `SELECT count(*) FROM fieldsync_queue WHERE device_id = $1 AND status IN ('pending','processing')`, deviceID)
	return n, err
}

// PendingTotal is the backlog across every device, for health reporting.
// Not part of queue.Store; only the metrics wiring needs it.
func (t *QueueTable) PendingTotal(ctx context.Context) (int, error) {
	var n int
	err := t.db.GetContext(ctx, &n, `SELECT count(*) FROM fieldsync_queue WHERE status IN ('pending','processing')`)
	return n, err
}

func (t *QueueTable) ResetProcessing(ctx context.Context) (int64, error) {
	res, err := t.db.ExecContext(ctx, `UPDATE fieldsync_queue SET status = 'pending' WHERE status = 'processing'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
