package migrations

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
)

func init() {
	goose.AddMigrationContext(upRequeueStuckProcessing, downRequeueStuckProcessing)
}

// One-off cleanup: deployments older than the startup crash-recovery pass
// could leave items stuck in 'processing' after an unclean shutdown. Requeue
// anything that has sat in processing for over an hour; the recovery pass
// keeps it from happening again.
func upRequeueStuckProcessing(ctx context.Context, tx *sql.Tx) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE fieldsync_queue SET status = 'pending'
		WHERE status = 'processing' AND last_attempt < now() - interval '1 hour'
	`)
	if err != nil {
		return fmt.Errorf("failed to requeue stuck items: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		log.Warn().Err(err).Msg("couldn't count requeued items")
	} else if ra > 0 {
		log.Info().Msgf("requeued %d stuck queue items", ra)
	}
	return nil
}

func downRequeueStuckProcessing(ctx context.Context, tx *sql.Tx) error {
	// no-op: we can't tell which items this migration moved
	return nil
}
