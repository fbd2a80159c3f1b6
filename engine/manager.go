package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/outreach-health/fieldsync/conflict"
	"github.com/outreach-health/fieldsync/internal"
	"github.com/outreach-health/fieldsync/metrics"
	"github.com/outreach-health/fieldsync/netmon"
	"github.com/outreach-health/fieldsync/pubsub"
	"github.com/outreach-health/fieldsync/queue"
)

type Config struct {
	// MaxWorkers bounds how many routine sessions replicate concurrently.
	MaxWorkers int
	// EmergencyWorkers sizes the pool dedicated to emergency sessions.
	// Routine work never runs on it.
	EmergencyWorkers int
	// CriticalSources is the subset replicated on poor links and for
	// critical-only emergency syncs.
	CriticalSources []string
	// OpTimeout caps each transport call (pull page, push, deliver).
	OpTimeout time.Duration
	// MaxPullRetries is how many transient pull failures a source absorbs
	// before the session gives up on it.
	MaxPullRetries int
	// ShutdownGrace is how long Shutdown lets running sessions finish before
	// interrupting them.
	ShutdownGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxWorkers:       16,
		EmergencyWorkers: 4,
		OpTimeout:        30 * time.Second,
		MaxPullRetries:   5,
		ShutdownGrace:    30 * time.Second,
	}
}

// Deps are the collaborators the manager orchestrates. All are required
// except Notifier and Reporter, which may be nil in tests.
type Deps struct {
	Queue       *queue.Queue
	Conflicts   ConflictLog
	Checkpoints Checkpoints
	Devices     DeviceRegistry
	Network     NetworkSource
	Resolver    *conflict.Resolver
	Transport   Transport
	Notifier    pubsub.Notifier
	Reporter    *metrics.Reporter
}

// Manager owns the session lifecycle: admission (device exclusivity, network
// policy, source filtering), execution on the worker pools, and terminal
// bookkeeping.
type Manager struct {
	cfg      Config
	deps     Deps
	registry *Registry
	pool     *internal.WorkerPool
	reserve  *internal.WorkerPool

	mu           sync.Mutex
	cancels      map[string]context.CancelFunc
	shuttingDown bool
	wg           sync.WaitGroup
}

func NewManager(cfg Config, deps Deps) *Manager {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	if cfg.EmergencyWorkers <= 0 {
		cfg.EmergencyWorkers = DefaultConfig().EmergencyWorkers
	}
	m := &Manager{
		cfg:      cfg,
		deps:     deps,
		registry: NewRegistry(),
		pool:     internal.NewWorkerPool(cfg.MaxWorkers),
		reserve:  internal.NewWorkerPool(cfg.EmergencyWorkers),
		cancels:  make(map[string]context.CancelFunc),
	}
	m.pool.Start()
	m.reserve.Start()
	return m
}

func (m *Manager) Registry() *Registry { return m.registry }

// StartRequest describes a routine session. Emergency syncs go through
// TriggerEmergency instead.
type StartRequest struct {
	DeviceID   string   `json:"device_id"`
	FacilityID string   `json:"facility_id"`
	UserID     string   `json:"user_id"`
	Mode       Mode     `json:"mode"`
	Priority   int      `json:"priority"`
	Sources    []string `json:"data_sources"`
}

// StartSession admits and schedules a routine session. It returns once the
// session is accepted (status initializing); replication proceeds on the
// worker pool. Fails fast with DeviceBusy when the device already has a
// routine session running.
func (m *Manager) StartSession(ctx context.Context, req StartRequest) (*SyncSession, error) {
	if req.DeviceID == "" {
		return nil, internal.Validationf("device_id is required")
	}
	switch req.Mode {
	case "":
		req.Mode = ModeIncremental
	case ModeIncremental, ModeFull:
	case ModeEmergency:
		return nil, internal.Validationf("emergency sessions are started via the emergency endpoint")
	default:
		return nil, internal.Validationf("unknown sync mode %q", req.Mode)
	}
	if len(req.Sources) == 0 {
		return nil, internal.Validationf("at least one data source is required")
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

	net := m.deps.Network.Status()
	if net.Tier == netmon.TierOffline {
		return nil, internal.Transientf("central store unreachable, try again later")
	}
	policy := m.policyFor(net, reg)
	sources := m.filterSources(req.Sources, policy.IncludeNonCritical)
	if len(sources) == 0 {
		return nil, internal.Validationf("no requested data source is eligible on the current link")
	}
	m.orderSources(sources, reg)

	s := newSession(req.DeviceID, req.FacilityID, req.UserID, req.Mode, req.Priority, sources, net, policy)
	if err := m.registry.Acquire(s); err != nil {
		return nil, err
	}
	m.schedule(s, reg, conflict.Options{}, false)
	snap := s.Snapshot()
	return &snap, nil
}

func (m *Manager) policyFor(net netmon.Status, reg *internal.DeviceRegistration) netmon.Policy {
	policy := netmon.PolicyFor(net.Tier)
	if reg.Limits.MaxBatchSize > 0 && policy.BatchSize > reg.Limits.MaxBatchSize {
		policy.BatchSize = reg.Limits.MaxBatchSize
	}
	if policy.BatchSize <= 0 {
		policy.BatchSize = 1
	}
	return policy
}

// filterSources drops non-critical sources when the link policy excludes
// them. With no configured critical set, everything counts as critical.
func (m *Manager) filterSources(requested []string, includeNonCritical bool) []string {
	if includeNonCritical || len(m.cfg.CriticalSources) == 0 {
		return append([]string(nil), requested...)
	}
	critical := make(map[string]bool, len(m.cfg.CriticalSources))
	for _, s := range m.cfg.CriticalSources {
		critical[s] = true
	}
	var out []string
	for _, s := range requested {
		if critical[s] {
			out = append(out, s)
		}
	}
	return out
}

// orderSources sorts by the device's configured source priority order.
// Unlisted sources come last, preserving request order among themselves.
func (m *Manager) orderSources(sources []string, reg *internal.DeviceRegistration) {
	prio := reg.Settings.SourcePriorities
	if len(prio) == 0 {
		return
	}
	rank := make(map[string]int, len(prio))
	for i, s := range prio {
		rank[s] = i
	}
	rankOf := func(s string) int {
		if r, ok := rank[s]; ok {
			return r
		}
		return len(prio)
	}
	sort.SliceStable(sources, func(i, j int) bool {
		return rankOf(sources[i]) < rankOf(sources[j])
	})
}

// schedule hands the session to a worker. Emergency sessions always run on
// the dedicated reserve: the routine pool can be saturated for minutes, and
// even a queued slot there would leave an emergency waiting behind routine
// load.
func (m *Manager) schedule(s *session, reg *internal.DeviceRegistration, opts conflict.Options, emergency bool) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[s.ID()] = cancel
	m.mu.Unlock()
	m.wg.Add(1)
	run := func() {
		defer m.wg.Done()
		m.run(ctx, s, reg, opts)
		m.mu.Lock()
		delete(m.cancels, s.ID())
		m.mu.Unlock()
		cancel()
	}
	if emergency {
		m.reserve.Queue(run)
		return
	}
	m.pool.Queue(run)
}

// run replicates every data source of the session in priority order and
// settles the terminal status. One source failing does not stop the others;
// interruption (shutdown, cancel) does.
func (m *Manager) run(ctx context.Context, s *session, reg *internal.DeviceRegistration, opts conflict.Options) {
	s.setStatus(StatusRunning, "")
	snap := s.Snapshot()
	logger.Info().Str("session", s.ID()).Str("device", s.DeviceID()).
		Str("mode", string(snap.Mode)).Str("tier", string(snap.Network.Tier)).
		Strs("sources", snap.Sources).Msg("session started")

	rep := &replicator{
		q:              m.deps.Queue,
		conflicts:      m.deps.Conflicts,
		checkpoints:    m.deps.Checkpoints,
		resolver:       m.deps.Resolver,
		transport:      m.deps.Transport,
		notifier:       m.deps.Notifier,
		opTimeout:      m.cfg.OpTimeout,
		maxPullRetries: m.cfg.MaxPullRetries,
	}
	if m.deps.Reporter != nil {
		rep.recordConflict = m.deps.Reporter.RecordConflict
	}

	sourceOK := make(map[string]bool, len(snap.Sources))
	var firstErr error
	interrupted := false
	for _, source := range snap.Sources {
		if ctx.Err() != nil {
			interrupted = true
			break
		}
		if err := rep.Replicate(ctx, s, source, opts); err != nil {
			sourceOK[source] = false
			if ctx.Err() != nil {
				interrupted = true
				break
			}
			logger.Error().Err(err).Str("session", s.ID()).Str("source", source).Msg("source replication failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sourceOK[source] = true
	}

	switch {
	case interrupted:
		m.finalize(s, StatusInterrupted, "interrupted before completion", sourceOK)
	case firstErr != nil:
		internal.ReportError(ctx, firstErr, s.DeviceID())
		m.finalize(s, StatusFailed, firstErr.Error(), sourceOK)
	default:
		m.finalize(s, StatusCompleted, "", sourceOK)
	}
}

// finalize settles the terminal status and frees the device slot in one
// registry critical section: no observer sees a free slot next to a
// non-terminal session, and a caller that polled its way to the terminal
// status can start the next session without a spurious DeviceBusy.
func (m *Manager) finalize(s *session, status SessionStatus, errMsg string, sourceOK map[string]bool) {
	m.registry.ReleaseTerminal(s, status, errMsg)
	snap := s.Snapshot()
	logger.Info().Str("session", s.ID()).Str("device", s.DeviceID()).
		Str("status", string(snap.Status)).Int("synced", snap.SyncedItems).
		Int("failed", snap.FailedItems).Int64("bytes", snap.BytesTransferred).
		Dur("duration", snap.Duration()).Msg("session finished")

	if m.deps.Notifier != nil {
		err := m.deps.Notifier.Notify(pubsub.ChanSync, &pubsub.SessionDone{
			SessionID: snap.ID,
			DeviceID:  snap.DeviceID,
			Status:    string(snap.Status),
			Error:     snap.Error,
			Timestamp: time.Now(),
		})
		if err != nil {
			logger.Warn().Err(err).Str("session", snap.ID).Msg("failed to publish session_done")
		}
	}
	if m.deps.Reporter != nil {
		m.deps.Reporter.RecordSession(outcomeFor(snap.Status), snap.BytesTransferred, snap.Duration(), sourceOK)
	}
	// best effort, a lost touch only delays staleness accounting
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.Devices.TouchLastSeen(ctx, snap.DeviceID, snap.ID, time.Now()); err != nil {
		logger.Warn().Err(err).Str("device", snap.DeviceID).Msg("failed to record device last seen")
	}
}

func outcomeFor(status SessionStatus) metrics.Outcome {
	switch status {
	case StatusFailed:
		return metrics.OutcomeFailed
	case StatusInterrupted:
		return metrics.OutcomeInterrupted
	}
	return metrics.OutcomeCompleted
}

// GetStatus returns the session snapshot, or NotFound once the janitor has
// pruned it.
func (m *Manager) GetStatus(sessionID string) (*SyncSession, error) {
	s := m.registry.Get(sessionID)
	if s == nil {
		return nil, internal.NotFoundf("session %s not found", sessionID)
	}
	snap := s.Snapshot()
	return &snap, nil
}

// CancelSession interrupts a running session. Claimed queue items roll back
// to pending; the session lands in interrupted.
func (m *Manager) CancelSession(sessionID string) error {
	s := m.registry.Get(sessionID)
	if s == nil {
		return internal.NotFoundf("session %s not found", sessionID)
	}
	if s.status().Terminal() {
		return internal.Validationf("session %s already finished", sessionID)
	}
	m.mu.Lock()
	cancel := m.cancels[sessionID]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// ActiveSessions snapshots every non-terminal session.
func (m *Manager) ActiveSessions() []SyncSession {
	live := m.registry.Active()
	out := make([]SyncSession, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Backlog is the device's pending offline queue depth.
func (m *Manager) Backlog(ctx context.Context, deviceID string) (int, error) {
	return m.deps.Queue.Backlog(ctx, deviceID)
}

// Shutdown stops admission, lets running sessions drain for the grace
// period, then interrupts whatever is left. In-flight queue items roll back
// and are picked up by the next session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	grace := m.cfg.ShutdownGrace
	if grace == 0 {
		grace = DefaultConfig().ShutdownGrace
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	logger.Warn().Msg("grace period elapsed, interrupting running sessions")
	m.mu.Lock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
