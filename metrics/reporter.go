// Package metrics aggregates session and conflict outcomes over a sliding
// window and derives a health classification. Read-only over engine state:
// the engine reports into it, nothing flows back.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
	OutcomeInterrupted Outcome = "interrupted"
)

type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
	HealthDown     Health = "down"
)

type sessionEvent struct {
	at       time.Time
	outcome  Outcome
	bytes    int64
	duration time.Duration
	sourceOK map[string]bool
}

type conflictEvent struct {
	at       time.Time
	ctype    string
	outcome  string // resolved or escalated
}

// Thresholds for the health classification.
type Thresholds struct {
	// Failure rate over the window that trips warning/critical.
	WarnFailureRate     float64
	CriticalFailureRate float64
	// Queue backlog size that trips warning.
	WarnBacklog int
	// Minimum sessions in the window before failure rates mean anything.
	MinSessions int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		WarnFailureRate:     0.25,
		CriticalFailureRate: 0.5,
		WarnBacklog:         500,
		MinSessions:         4,
	}
}

type Reporter struct {
	mu         sync.Mutex
	window     time.Duration
	thresholds Thresholds
	sessions   []sessionEvent
	conflicts  []conflictEvent
	backlogFn  func() int

	sessionVec  *prometheus.CounterVec
	conflictVec *prometheus.CounterVec
	bytesCtr    prometheus.Counter
}

// NewReporter creates a reporter over the given window. backlogFn reports
// the current total queue backlog; nil means backlog is not monitored.
func NewReporter(window time.Duration, thresholds Thresholds, backlogFn func() int) *Reporter {
	if window == 0 {
		window = 24 * time.Hour
	}
	r := &Reporter{
		window:     window,
		thresholds: thresholds,
		backlogFn:  backlogFn,
		sessionVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "engine",
			Name:      "sessions_total",
			Help:      "Number of sync sessions by outcome",
		}, []string{"outcome"}),
		conflictVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "engine",
			Name:      "conflicts_total",
			Help:      "Number of conflicts by type and resolution outcome",
		}, []string{"type", "outcome"}),
		bytesCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fieldsync",
			Subsystem: "engine",
			Name:      "bytes_transferred_total",
			Help:      "Total bytes moved by replication",
		}),
	}
	prometheus.MustRegister(r.sessionVec, r.conflictVec, r.bytesCtr)
	return r
}

// Close unregisters the prometheus collectors. Needed by tests which build
// several reporters in one process.
func (r *Reporter) Close() {
	prometheus.Unregister(r.sessionVec)
	prometheus.Unregister(r.conflictVec)
	prometheus.Unregister(r.bytesCtr)
}

func (r *Reporter) RecordSession(outcome Outcome, bytes int64, duration time.Duration, sourceOK map[string]bool) {
	r.sessionVec.WithLabelValues(string(outcome)).Inc()
	r.bytesCtr.Add(float64(bytes))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionEvent{
		at:       time.Now(),
		outcome:  outcome,
		bytes:    bytes,
		duration: duration,
		sourceOK: sourceOK,
	})
	r.prune()
}

func (r *Reporter) RecordConflict(ctype, outcome string) {
	r.conflictVec.WithLabelValues(ctype, outcome).Inc()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, conflictEvent{at: time.Now(), ctype: ctype, outcome: outcome})
	r.prune()
}

// prune drops events older than the window. Callers hold the mutex.
func (r *Reporter) prune() {
	cutoff := time.Now().Add(-r.window)
	for len(r.sessions) > 0 && r.sessions[0].at.Before(cutoff) {
		r.sessions = r.sessions[1:]
	}
	for len(r.conflicts) > 0 && r.conflicts[0].at.Before(cutoff) {
		r.conflicts = r.conflicts[1:]
	}
}

// Aggregate is the windowed view served by GET /sync/metrics.
type Aggregate struct {
	Period             string                    `json:"period"`
	Sessions           map[Outcome]int           `json:"sessions"`
	Conflicts          map[string]map[string]int `json:"conflicts"`
	BytesTransferred   int64                     `json:"bytes_transferred"`
	ThroughputKBps     float64                   `json:"throughput_kbps"`
	SourceSuccessRates map[string]float64        `json:"source_success_rates"`
	QueueBacklog       int                       `json:"queue_backlog"`
	Health             Health                    `json:"health"`
}

// Snapshot aggregates events no older than period (capped at the reporter's
// window).
func (r *Reporter) Snapshot(period time.Duration) Aggregate {
	if period == 0 || period > r.window {
		period = r.window
	}
	cutoff := time.Now().Add(-period)

	r.mu.Lock()
	defer r.mu.Unlock()

	agg := Aggregate{
		Period:             period.String(),
		Sessions:           map[Outcome]int{},
		Conflicts:          map[string]map[string]int{},
		SourceSuccessRates: map[string]float64{},
	}
	var totalDur time.Duration
	srcOK := map[string]int{}
	srcTotal := map[string]int{}
	for _, ev := range r.sessions {
		if ev.at.Before(cutoff) {
			continue
		}
		agg.Sessions[ev.outcome]++
		agg.BytesTransferred += ev.bytes
		totalDur += ev.duration
		for src, ok := range ev.sourceOK {
			srcTotal[src]++
			if ok {
				srcOK[src]++
			}
		}
	}
	for _, ev := range r.conflicts {
		if ev.at.Before(cutoff) {
			continue
		}
		byOutcome := agg.Conflicts[ev.ctype]
		if byOutcome == nil {
			byOutcome = map[string]int{}
			agg.Conflicts[ev.ctype] = byOutcome
		}
		byOutcome[ev.outcome]++
	}
	for src, total := range srcTotal {
		agg.SourceSuccessRates[src] = float64(srcOK[src]) / float64(total)
	}
	if totalDur > 0 {
		agg.ThroughputKBps = float64(agg.BytesTransferred) / 1024 / totalDur.Seconds()
	}
	if r.backlogFn != nil {
		agg.QueueBacklog = r.backlogFn()
	}
	agg.Health = r.healthLocked()
	return agg
}

func (r *Reporter) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthLocked()
}

// healthLocked classifies from threshold breaches. Callers hold the mutex.
func (r *Reporter) healthLocked() Health {
	total := len(r.sessions)
	failed := 0
	for _, ev := range r.sessions {
		if ev.outcome == OutcomeFailed {
			failed++
		}
	}
	if total >= r.thresholds.MinSessions {
		rate := float64(failed) / float64(total)
		if failed == total {
			return HealthDown
		}
		if rate >= r.thresholds.CriticalFailureRate {
			return HealthCritical
		}
		if rate >= r.thresholds.WarnFailureRate {
			return HealthWarning
		}
	}
	if r.backlogFn != nil && r.backlogFn() > r.thresholds.WarnBacklog {
		return HealthWarning
	}
	return HealthHealthy
}
