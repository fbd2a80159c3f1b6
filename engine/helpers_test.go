package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-health/fieldsync/conflict"
	"github.com/outreach-health/fieldsync/engine"
	"github.com/outreach-health/fieldsync/internal"
	"github.com/outreach-health/fieldsync/netmon"
	"github.com/outreach-health/fieldsync/queue"
)

// In-memory fakes for the engine's store interfaces. The Postgres
// implementations get their own tests in the state package.

type memConflictLog struct {
	mu    sync.Mutex
	byID  map[string]*conflict.Conflict
	pairs map[string]string // version pair key -> conflict ID
}

func newMemConflictLog() *memConflictLog {
	return &memConflictLog{
		byID:  make(map[string]*conflict.Conflict),
		pairs: make(map[string]string),
	}
}

func (l *memConflictLog) Insert(ctx context.Context, c *conflict.Conflict) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := c.VersionPairKey()
	if _, ok := l.pairs[key]; ok {
		return false, nil
	}
	cp := *c
	l.byID[c.ID] = &cp
	l.pairs[key] = c.ID
	return true, nil
}

func (l *memConflictLog) Update(ctx context.Context, c *conflict.Conflict) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.byID[c.ID]
	if !ok {
		return internal.NotFoundf("conflict %s not found", c.ID)
	}
	if existing.Status == conflict.StatusResolved {
		return internal.Validationf("conflict %s is already resolved", c.ID)
	}
	cp := *c
	l.byID[c.ID] = &cp
	return nil
}

func (l *memConflictLog) Get(ctx context.Context, id string) (*conflict.Conflict, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (l *memConflictLog) GetByVersionPair(ctx context.Context, entityType, entityID, localToken, remoteToken string) (*conflict.Conflict, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.pairs[conflict.VersionPairKey(entityType, entityID, localToken, remoteToken)]
	if !ok {
		return nil, nil
	}
	cp := *l.byID[id]
	return &cp, nil
}

func (l *memConflictLog) Select(ctx context.Context, deviceID string, status conflict.Status) ([]conflict.Conflict, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []conflict.Conflict
	for _, c := range l.byID {
		if deviceID != "" && c.DeviceID != deviceID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

type memCheckpoints struct {
	mu     sync.Mutex
	tokens map[string]string
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{tokens: make(map[string]string)}
}

func (c *memCheckpoints) Advance(ctx context.Context, deviceID, source, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[deviceID+"|"+source] = token
	return nil
}

func (c *memCheckpoints) Token(ctx context.Context, deviceID, source string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens[deviceID+"|"+source], nil
}

type memDevices struct {
	mu      sync.Mutex
	regs    map[string]*internal.DeviceRegistration
	touched map[string]string // device ID -> last session ID
}

func newMemDevices(regs ...*internal.DeviceRegistration) *memDevices {
	d := &memDevices{
		regs:    make(map[string]*internal.DeviceRegistration),
		touched: make(map[string]string),
	}
	for _, reg := range regs {
		d.regs[reg.DeviceID] = reg
	}
	return d
}

func (d *memDevices) Get(ctx context.Context, deviceID string) (*internal.DeviceRegistration, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.regs[deviceID]
	if !ok {
		return nil, nil
	}
	cp := *reg
	return &cp, nil
}

func (d *memDevices) Upsert(ctx context.Context, reg *internal.DeviceRegistration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *reg
	d.regs[reg.DeviceID] = &cp
	return nil
}

func (d *memDevices) TouchLastSeen(ctx context.Context, deviceID, sessionID string, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.touched[deviceID] = sessionID
	return nil
}

// lastSession polls for the session recorded by TouchLastSeen, which lands
// shortly after the session turns terminal.
func (d *memDevices) lastSession(deviceID string) string {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		id := d.touched[deviceID]
		d.mu.Unlock()
		if id != "" {
			return id
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ""
}

type stubNetwork struct {
	status netmon.Status
}

func (n *stubNetwork) Status() netmon.Status { return n.status }

// fakeTransport serves one page of remote items per source and records every
// push and delivery. blockCh, when set, stalls Pull until closed so tests can
// hold a session mid-flight; blockSource narrows the stall to one source.
type fakeTransport struct {
	mu         sync.Mutex
	remote     map[string][]engine.RemoteItem // source -> first page
	ancestor   map[string]*conflict.Version   // entityType|entityID -> base
	pushErr    error
	deliverErr error

	pushes     []pushRecord
	deliveries []deliveryRecord

	blockCh     chan struct{}
	blockSource string
}

type pushRecord struct {
	Source     string
	Op         queue.Op
	EntityType string
	EntityID   string
	Data       json.RawMessage
}

type deliveryRecord struct {
	DeviceID string
	Source   string
	Frame    []byte
	Count    int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		remote:   make(map[string][]engine.RemoteItem),
		ancestor: make(map[string]*conflict.Version),
	}
}

func (f *fakeTransport) Pull(ctx context.Context, source, since string, limit int) ([]engine.RemoteItem, string, error) {
	if f.blockCh != nil && (f.blockSource == "" || f.blockSource == source) {
		select {
		case <-f.blockCh:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if since != "" {
		return nil, since, nil
	}
	items := f.remote[source]
	if len(items) == 0 {
		return nil, "", nil
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items, "cursor-1", nil
}

func (f *fakeTransport) Ancestor(ctx context.Context, source, entityType, entityID, since string) (*conflict.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ancestor[entityType+"|"+entityID], nil
}

func (f *fakeTransport) Push(ctx context.Context, source string, op queue.Op, entityType, entityID string, data json.RawMessage) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return "", time.Time{}, f.pushErr
	}
	f.pushes = append(f.pushes, pushRecord{source, op, entityType, entityID, data})
	return uuid.NewString(), time.Now(), nil
}

func (f *fakeTransport) Deliver(ctx context.Context, deviceID, source string, frame []byte, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deliverErr != nil {
		return f.deliverErr
	}
	f.deliveries = append(f.deliveries, deliveryRecord{deviceID, source, append([]byte(nil), frame...), count})
	return nil
}

func (f *fakeTransport) pushed() []pushRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pushRecord(nil), f.pushes...)
}

func (f *fakeTransport) delivered() []deliveryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]deliveryRecord(nil), f.deliveries...)
}

type fixture struct {
	mgr       *engine.Manager
	queue     *queue.Queue
	conflicts *memConflictLog
	devices   *memDevices
	transport *fakeTransport
	resolver  *conflict.Resolver
}

func testDevice(id string) *internal.DeviceRegistration {
	return &internal.DeviceRegistration{
		DeviceID:   id,
		FacilityID: "facility-1",
		Trusted:    true,
		Limits:     internal.DefaultLimits(),
	}
}

func newFixture(t *testing.T, cfg engine.Config, tier netmon.Tier, regs ...*internal.DeviceRegistration) *fixture {
	t.Helper()
	if len(regs) == 0 {
		regs = []*internal.DeviceRegistration{testDevice("tablet-1")}
	}
	if cfg.OpTimeout == 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 50 * time.Millisecond
	}
	q := queue.NewQueue(queue.NewMemoryStore(), queue.OrderFIFO)
	conflicts := newMemConflictLog()
	devices := newMemDevices(regs...)
	transport := newFakeTransport()
	resolver := conflict.NewResolver(conflict.Config{})
	t.Cleanup(resolver.Stop)
	mgr := engine.NewManager(cfg, engine.Deps{
		Queue:       q,
		Conflicts:   conflicts,
		Checkpoints: newMemCheckpoints(),
		Devices:     devices,
		Network:     &stubNetwork{status: netmon.Status{Tier: tier, SampledAt: time.Now()}},
		Resolver:    resolver,
		Transport:   transport,
	})
	return &fixture{
		mgr:       mgr,
		queue:     q,
		conflicts: conflicts,
		devices:   devices,
		transport: transport,
		resolver:  resolver,
	}
}

// waitTerminal polls until the session reaches a terminal status.
func waitTerminal(t *testing.T, mgr *engine.Manager, sessionID string) engine.SyncSession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s, err := mgr.GetStatus(sessionID)
		if err != nil {
			t.Fatalf("GetStatus(%s): %s", sessionID, err)
		}
		if s.Status.Terminal() {
			return *s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := mgr.GetStatus(sessionID)
	t.Fatalf("session %s never finished, stuck at %+v", sessionID, s)
	return engine.SyncSession{}
}

func remoteItem(entityType, entityID string, ts time.Time, fields map[string]interface{}) engine.RemoteItem {
	data, _ := json.Marshal(fields)
	return engine.RemoteItem{
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
		Token:      fmt.Sprintf("remote-%s-%d", entityID, ts.UnixNano()),
		Checksum:   conflict.Checksum(data),
		ServerTS:   ts,
	}
}
