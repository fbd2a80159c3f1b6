package netmon

import "time"

// Policy is the set of transfer decisions derived from a quality tier. It is
// a pure function of the tier: recomputed at session start, fixed for the
// session's lifetime so batch sizing stays deterministic.
type Policy struct {
	BatchSize int `json:"batch_size"`
	// Compress batches on the wire (snappy). Worth the CPU on slow links.
	Compress bool `json:"compress"`
	// Suggested interval between routine sessions for this device.
	SyncInterval time.Duration `json:"sync_interval"`
	// Whether non-critical data sources are replicated at all. On poor
	// links only the critical subset goes through.
	IncludeNonCritical bool `json:"include_non_critical"`
}

func PolicyFor(t Tier) Policy {
	switch t {
	case TierExcellent:
		return Policy{BatchSize: 500, Compress: false, SyncInterval: 5 * time.Minute, IncludeNonCritical: true}
	case TierGood:
		return Policy{BatchSize: 200, Compress: true, SyncInterval: 15 * time.Minute, IncludeNonCritical: true}
	case TierFair:
		return Policy{BatchSize: 50, Compress: true, SyncInterval: 30 * time.Minute, IncludeNonCritical: true}
	case TierPoor:
		return Policy{BatchSize: 10, Compress: true, SyncInterval: time.Hour, IncludeNonCritical: false}
	}
	// offline: nothing moves until the next probe says otherwise
	return Policy{BatchSize: 0, Compress: true, SyncInterval: time.Hour, IncludeNonCritical: false}
}
