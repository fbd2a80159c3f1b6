// Package state owns all durable engine state in Postgres: the offline
// queue, the conflict log, the device registry and replication checkpoints.
// One table per file; constructors create their own DDL so a fresh database
// bootstraps itself, with goose migrations for later schema changes.
package state

import (
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Storage struct {
	DB          *sqlx.DB
	Queue       *QueueTable
	Conflicts   *ConflictTable
	Devices     *DeviceTable
	Checkpoints *CheckpointTable
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{
		DB:          db,
		Queue:       NewQueueTable(db),
		Conflicts:   NewConflictTable(db),
		Devices:     NewDeviceTable(db),
		Checkpoints: NewCheckpointTable(db),
	}
}

func (s *Storage) Teardown() {
	if err := s.DB.Close(); err != nil {
		logger.Panic().Err(err).Msg("failed to close DB")
	}
}
