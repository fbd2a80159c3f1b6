package internal

import "time"

// DeviceCapabilities describes what a field device can do, declared at
// registration and used to shape replication.
type DeviceCapabilities struct {
	OfflineSupport bool  `json:"offline_support"`
	StorageBudget  int64 `json:"storage_budget_bytes"`
	Compression    bool  `json:"compression"`
}

// DeviceSyncSettings are the device's current sync preferences. Updated by
// operators through the registry API, read at session start.
type DeviceSyncSettings struct {
	Frequency time.Duration `json:"frequency"`
	// Preferred order of data sources when the network policy has to drop
	// non-critical sources. Earlier entries survive longer.
	SourcePriorities []string `json:"source_priorities"`
}

// DeviceLimits bound what a single device may ask of the engine.
type DeviceLimits struct {
	MaxBatchSize       int           `json:"max_batch_size"`
	MaxConcurrentSyncs int           `json:"max_concurrent_syncs"`
	OfflineRetention   time.Duration `json:"offline_retention"`
}

// DeviceRegistration is a known device's sync-relevant state. Long-lived;
// LastSeen/LastSessionID are updated on each session completion.
type DeviceRegistration struct {
	DeviceID      string             `json:"device_id"`
	FacilityID    string             `json:"facility_id"`
	Capabilities  DeviceCapabilities `json:"capabilities"`
	Trusted       bool               `json:"trusted"`
	Settings      DeviceSyncSettings `json:"settings"`
	Limits        DeviceLimits       `json:"limits"`
	AppVersion    string             `json:"app_version"`
	LastSeen      time.Time          `json:"last_seen"`
	LastSessionID string             `json:"last_session_id"`
}

// DefaultLimits apply when a registration omits them.
func DefaultLimits() DeviceLimits {
	return DeviceLimits{
		MaxBatchSize:       200,
		MaxConcurrentSyncs: 1,
		OfflineRetention:   14 * 24 * time.Hour,
	}
}
