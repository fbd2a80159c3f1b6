package pubsub

import "time"

// The channel carrying engine events for device clients and operators.
const ChanSync = "syncch"

// SyncListener is implemented by consumers of the engine event channel
// (the websocket fan-out, tests).
type SyncListener interface {
	OnSessionProgress(p *SessionProgress)
	OnSessionDone(p *SessionDone)
	OnConflictDetected(p *ConflictDetected)
	OnConflictResolved(p *ConflictResolved)
	OnEmergencyStarted(p *EmergencyStarted)
}

type SessionProgress struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Total     int       `json:"total"`
	Synced    int       `json:"synced"`
	Failed    int       `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

func (p SessionProgress) Type() string { return "session_progress" }

// SessionDone fires on any terminal transition: completed, failed or interrupted.
type SessionDone struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (p SessionDone) Type() string { return "session_done" }

type ConflictDetected struct {
	ConflictID   string    `json:"conflict_id"`
	SessionID    string    `json:"session_id"`
	DeviceID     string    `json:"device_id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	ConflictType string    `json:"conflict_type"`
	Timestamp    time.Time `json:"timestamp"`
}

func (p ConflictDetected) Type() string { return "conflict_detected" }

type ConflictResolved struct {
	ConflictID string    `json:"conflict_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Strategy   string    `json:"strategy"`
	Status     string    `json:"status"` // resolved or escalated
	ResolvedBy string    `json:"resolved_by"`
	Timestamp  time.Time `json:"timestamp"`
}

func (p ConflictResolved) Type() string { return "conflict_resolved" }

type EmergencyStarted struct {
	SessionID     string    `json:"session_id"`
	DeviceID      string    `json:"device_id"`
	EmergencyType string    `json:"emergency_type"`
	CriticalOnly  bool      `json:"critical_only"`
	Timestamp     time.Time `json:"timestamp"`
}

func (p EmergencyStarted) Type() string { return "emergency_started" }

// SyncSub glues a Listener to a SyncListener, dispatching on payload type.
type SyncSub struct {
	listener Listener
	receiver SyncListener
}

func NewSyncSub(l Listener, recv SyncListener) *SyncSub {
	return &SyncSub{
		listener: l,
		receiver: recv,
	}
}

func (s *SyncSub) Teardown() {
	s.listener.Close()
}

func (s *SyncSub) onMessage(p Payload) {
	switch p.Type() {
	case SessionProgress{}.Type():
		s.receiver.OnSessionProgress(p.(*SessionProgress))
	case SessionDone{}.Type():
		s.receiver.OnSessionDone(p.(*SessionDone))
	case ConflictDetected{}.Type():
		s.receiver.OnConflictDetected(p.(*ConflictDetected))
	case ConflictResolved{}.Type():
		s.receiver.OnConflictResolved(p.(*ConflictResolved))
	case EmergencyStarted{}.Type():
		s.receiver.OnEmergencyStarted(p.(*EmergencyStarted))
	}
}

func (s *SyncSub) Listen() error {
	return s.listener.Listen(ChanSync, s.onMessage)
}
