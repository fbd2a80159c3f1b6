package engine

import (
	"context"
	"time"

	"github.com/outreach-health/fieldsync/conflict"
	"github.com/outreach-health/fieldsync/internal"
	"github.com/outreach-health/fieldsync/netmon"
	"github.com/outreach-health/fieldsync/pubsub"
)

// EmergencyPriority outranks anything a routine request can ask for.
const EmergencyPriority = 100

type EmergencyRequest struct {
	DeviceID      string   `json:"device_id"`
	FacilityID    string   `json:"facility_id"`
	UserID        string   `json:"user_id"`
	EmergencyType string   `json:"emergency_type"`
	CriticalOnly  bool     `json:"critical_data_only"`
	Sources       []string `json:"data_sources,omitempty"`
}

// TriggerEmergency starts an emergency session. Emergencies bypass the
// bandwidth policy's source restrictions and resolve every conflict
// automatically (escalation would block data a clinician is waiting on); the
// audit trail records each forced resolution. An emergency session runs
// alongside a routine one for the same device, but only one emergency per
// device at a time.
func (m *Manager) TriggerEmergency(ctx context.Context, req EmergencyRequest) (*SyncSession, error) {
	if req.DeviceID == "" {
		return nil, internal.Validationf("device_id is required")
	}
	if req.EmergencyType == "" {
		return nil, internal.Validationf("emergency_type is required")
	}
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, internal.Transientf("engine is shutting down")
	}
	m.mu.Unlock()

	reg, err := m.deps.Devices.Get(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, internal.NotFoundf("device %s is not registered", req.DeviceID)
	}

	sources := req.Sources
	if req.CriticalOnly || len(sources) == 0 {
		if len(m.cfg.CriticalSources) == 0 {
			return nil, internal.Validationf("no critical data sources configured")
		}
		sources = append([]string(nil), m.cfg.CriticalSources...)
	}
	m.orderSources(sources, reg)

	// Even an offline reading is worth attempting under an emergency; the
	// probe may be stale and a clinician is waiting.
	net := m.deps.Network.Status()
	policy := m.policyFor(net, reg)
	if net.Tier == netmon.TierOffline {
		policy.BatchSize = netmon.PolicyFor(netmon.TierPoor).BatchSize
		if reg.Limits.MaxBatchSize > 0 && policy.BatchSize > reg.Limits.MaxBatchSize {
			policy.BatchSize = reg.Limits.MaxBatchSize
		}
	}

	s := newSession(req.DeviceID, req.FacilityID, req.UserID, ModeEmergency, EmergencyPriority, sources, net, policy)
	if err := m.registry.Acquire(s); err != nil {
		return nil, err
	}

	logger.Warn().Str("session", s.ID()).Str("device", req.DeviceID).
		Str("emergency_type", req.EmergencyType).Bool("critical_only", req.CriticalOnly).
		Msg("emergency sync triggered")
	if m.deps.Notifier != nil {
		err := m.deps.Notifier.Notify(pubsub.ChanSync, &pubsub.EmergencyStarted{
			SessionID:     s.ID(),
			DeviceID:      req.DeviceID,
			EmergencyType: req.EmergencyType,
			CriticalOnly:  req.CriticalOnly,
			Timestamp:     time.Now(),
		})
		if err != nil {
			logger.Warn().Err(err).Str("session", s.ID()).Msg("failed to publish emergency_started")
		}
	}

	opts := conflict.Options{ForceAuto: true, EmergencyType: req.EmergencyType}
	m.schedule(s, reg, opts, true)
	snap := s.Snapshot()
	return &snap, nil
}
