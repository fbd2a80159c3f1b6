// Package engine orchestrates synchronization runs: the session lifecycle,
// per-device exclusivity, data source replication, conflict handling and the
// emergency override path.
package engine

import (
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/outreach-health/fieldsync/netmon"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Mode string

const (
	ModeIncremental Mode = "incremental"
	ModeFull        Mode = "full"
	ModeEmergency   Mode = "emergency"
)

type SessionStatus string

const (
	StatusInitializing SessionStatus = "initializing"
	StatusRunning      SessionStatus = "running"
	StatusCompleted    SessionStatus = "completed"
	StatusFailed       SessionStatus = "failed"
	StatusInterrupted  SessionStatus = "interrupted"
)

func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusInterrupted
}

// SyncSession is the read-only snapshot of one synchronization run, as
// served by GetStatus and the HTTP API.
type SyncSession struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id"`
	FacilityID string        `json:"facility_id"`
	UserID     string        `json:"user_id"`
	Mode       Mode          `json:"mode"`
	Priority   int           `json:"priority"`
	Sources    []string      `json:"data_sources"`
	Status     SessionStatus `json:"status"`

	TotalItems  int `json:"total_items"`
	SyncedItems int `json:"synced_items"`
	FailedItems int `json:"failed_items"`

	Network netmon.Status `json:"network"`
	Policy  netmon.Policy `json:"policy"`

	ConflictIDs      []string `json:"conflict_ids,omitempty"`
	BytesTransferred int64    `json:"bytes_transferred"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func (s *SyncSession) Duration() time.Duration {
	end := s.FinishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.StartedAt)
}

// session is the live, mutable counterpart. Only the manager and the
// replicators it drives touch it, always through the mutex.
type session struct {
	mu        sync.Mutex
	data      SyncSession
	emergency bool
}

func newSession(deviceID, facilityID, userID string, mode Mode, priority int, sources []string, net netmon.Status, policy netmon.Policy) *session {
	return &session{
		data: SyncSession{
			ID:         uuid.NewString(),
			DeviceID:   deviceID,
			FacilityID: facilityID,
			UserID:     userID,
			Mode:       mode,
			Priority:   priority,
			Sources:    sources,
			Status:     StatusInitializing,
			Network:    net,
			Policy:     policy,
			StartedAt:  time.Now(),
		},
		emergency: mode == ModeEmergency,
	}
}

// Snapshot deep-copies the session for read-only consumers.
func (s *session) Snapshot() SyncSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.data
	cp.Sources = append([]string(nil), s.data.Sources...)
	cp.ConflictIDs = append([]string(nil), s.data.ConflictIDs...)
	return cp
}

func (s *session) ID() string       { return s.data.ID }
func (s *session) DeviceID() string { return s.data.DeviceID }

func (s *session) setStatus(status SessionStatus, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Status.Terminal() {
		return
	}
	s.data.Status = status
	if errMsg != "" {
		s.data.Error = errMsg
	}
	if status.Terminal() {
		s.data.FinishedAt = time.Now()
	}
}

func (s *session) status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Status
}

func (s *session) addTotal(n int) {
	s.mu.Lock()
	s.data.TotalItems += n
	s.mu.Unlock()
}

func (s *session) addSynced(n int) {
	s.mu.Lock()
	s.data.SyncedItems += n
	s.mu.Unlock()
}

func (s *session) addFailed(n int) {
	s.mu.Lock()
	s.data.FailedItems += n
	s.mu.Unlock()
}

func (s *session) addBytes(n int64) {
	s.mu.Lock()
	s.data.BytesTransferred += n
	s.mu.Unlock()
}

func (s *session) addConflict(id string) {
	s.mu.Lock()
	s.data.ConflictIDs = append(s.data.ConflictIDs, id)
	s.mu.Unlock()
}

func (s *session) progress() (total, synced, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.TotalItems, s.data.SyncedItems, s.data.FailedItems
}
