package engine_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/outreach-health/fieldsync/conflict"
	"github.com/outreach-health/fieldsync/engine"
	"github.com/outreach-health/fieldsync/internal"
	"github.com/outreach-health/fieldsync/netmon"
	"github.com/outreach-health/fieldsync/queue"
	"github.com/outreach-health/fieldsync/transfer"
)

func TestStartSessionValidation(t *testing.T) {
	f := newFixture(t, engine.Config{}, netmon.TierExcellent)
	ctx := context.Background()

	cases := []struct {
		name string
		req  engine.StartRequest
		kind internal.ErrorKind
	}{
		{"missing device", engine.StartRequest{Sources: []string{"patients"}}, internal.KindValidation},
		{"missing sources", engine.StartRequest{DeviceID: "tablet-1"}, internal.KindValidation},
		{"emergency via routine endpoint", engine.StartRequest{DeviceID: "tablet-1", Mode: engine.ModeEmergency, Sources: []string{"patients"}}, internal.KindValidation},
		{"unknown mode", engine.StartRequest{DeviceID: "tablet-1", Mode: "turbo", Sources: []string{"patients"}}, internal.KindValidation},
		{"unregistered device", engine.StartRequest{DeviceID: "ghost", Sources: []string{"patients"}}, internal.KindNotFound},
	}
	for _, tc := range cases {
		_, err := f.mgr.StartSession(ctx, tc.req)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if internal.KindOf(err) != tc.kind {
			t.Fatalf("%s: expected %s, got %s (%s)", tc.name, tc.kind, internal.KindOf(err), err)
		}
	}
}

func TestStartSessionRejectedWhileOffline(t *testing.T) {
	f := newFixture(t, engine.Config{}, netmon.TierOffline)
	_, err := f.mgr.StartSession(context.Background(), engine.StartRequest{
		DeviceID: "tablet-1", Sources: []string{"patients"},
	})
	if err == nil || internal.KindOf(err) != internal.KindTransient {
		t.Fatalf("offline link should reject with a retryable error, got %v", err)
	}
}

func TestSessionReplicatesAndCompletes(t *testing.T) {
	f := newFixture(t, engine.Config{}, netmon.TierExcellent)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	f.transport.remote["patients"] = []engine.RemoteItem{
		remoteItem("patient", "p1", base, map[string]interface{}{"status": "active"}),
		remoteItem("patient", "p2", base, map[string]interface{}{"status": "discharged"}),
	}
	if err := f.queue.Enqueue(ctx, &queue.Item{
		DeviceID: "tablet-1", Source: "patients", Op: queue.OpUpdate,
		EntityType: "patient", EntityID: "p9",
		Payload: json.RawMessage(`{"status":"new"}`),
	}); err != nil {
		t.Fatalf("Enqueue: %s", err)
	}

	s, err := f.mgr.StartSession(ctx, engine.StartRequest{
		DeviceID: "tablet-1", FacilityID: "facility-1", Sources: []string{"patients"},
	})
	if err != nil {
		t.Fatalf("StartSession: %s", err)
	}
	final := waitTerminal(t, f.mgr, s.ID)

	if final.Status != engine.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if final.SyncedItems != 3 || final.FailedItems != 0 {
		t.Fatalf("expected 3 synced / 0 failed, got %d / %d", final.SyncedItems, final.FailedItems)
	}
	if final.BytesTransferred == 0 {
		t.Fatalf("expected transferred bytes to be accounted")
	}

	// both remote changes went down in one decodable frame
	deliveries := f.transport.delivered()
	if len(deliveries) != 1 || deliveries[0].Count != 2 {
		t.Fatalf("expected one delivery of 2 items, got %+v", deliveries)
	}
	batch, err := transfer.DecodeBatch(deliveries[0].Frame)
	if err != nil {
		t.Fatalf("delivered frame does not decode: %s", err)
	}
	if batch.Source != "patients" || len(batch.Items) != 2 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
	// the cursor is an opaque checkpoint wrapping the server token
	cp, err := transfer.DecodeCheckpoint(batch.Cursor)
	if err != nil {
		t.Fatalf("batch cursor should decode as a checkpoint: %s", err)
	}
	if cp.Source != "patients" || cp.Token != "cursor-1" {
		t.Fatalf("unexpected checkpoint cursor: %+v", cp)
	}

	// the queued mutation was pushed upstream and completed
	pushes := f.transport.pushed()
	if len(pushes) != 1 || pushes[0].EntityID != "p9" {
		t.Fatalf("expected one push for p9, got %+v", pushes)
	}
	items, _ := f.queue.Store().SelectByDevice(ctx, "tablet-1", queue.StatusCompleted)
	if len(items) != 1 {
		t.Fatalf("queue item should be completed, got %+v", items)
	}

	if got := f.devices.lastSession("tablet-1"); got != s.ID {
		t.Fatalf("device last-seen should record session %s, got %q", s.ID, got)
	}
}

func TestDeviceExclusivity(t *testing.T) {
	f := newFixture(t, engine.Config{}, netmon.TierExcellent)
	f.transport.blockCh = make(chan struct{})
	ctx := context.Background()
	req := engine.StartRequest{DeviceID: "tablet-1", Sources: []string{"patients"}}

	s1, err := f.mgr.StartSession(ctx, req)
	if err != nil {
		t.Fatalf("first StartSession: %s", err)
	}
	_, err = f.mgr.StartSession(ctx, req)
	if err == nil || internal.KindOf(err) != internal.KindDeviceBusy {
		t.Fatalf("second session for the same device should be rejected busy, got %v", err)
	}

	// a different device is unaffected
	f.devices.Upsert(ctx, testDevice("tablet-2"))
	if _, err := f.mgr.StartSession(ctx, engine.StartRequest{DeviceID: "tablet-2", Sources: []string{"patients"}}); err != nil {
		t.Fatalf("other device should be admitted: %s", err)
	}

	close(f.transport.blockCh)
	waitTerminal(t, f.mgr, s1.ID)

	// slot freed after completion
	if _, err := f.mgr.StartSession(ctx, req); err != nil {
		t.Fatalf("device slot should be free after completion: %s", err)
	}
}

func TestEmergencyRunsAlongsideRoutine(t *testing.T) {
	f := newFixture(t, engine.Config{CriticalSources: []string{"patients"}}, netmon.TierExcellent)
	f.transport.blockCh = make(chan struct{})
	defer close(f.transport.blockCh)
	ctx := context.Background()

	if _, err := f.mgr.StartSession(ctx, engine.StartRequest{DeviceID: "tablet-1", Sources: []string{"patients"}}); err != nil {
		t.Fatalf("StartSession: %s", err)
	}
	em, err := f.mgr.TriggerEmergency(ctx, engine.EmergencyRequest{
		DeviceID: "tablet-1", EmergencyType: "patient_emergency", CriticalOnly: true,
	})
	if err != nil {
		t.Fatalf("emergency must run alongside a routine session: %s", err)
	}
	if em.Mode != engine.ModeEmergency || em.Priority != engine.EmergencyPriority {
		t.Fatalf("unexpected emergency session: %+v", em)
	}

	_, err = f.mgr.TriggerEmergency(ctx, engine.EmergencyRequest{
		DeviceID: "tablet-1", EmergencyType: "patient_emergency",
	})
	if err == nil || internal.KindOf(err) != internal.KindDeviceBusy {
		t.Fatalf("only one emergency session per device, got %v", err)
	}
}

func TestEmergencyRestrictsToCriticalSources(t *testing.T) {
	f := newFixture(t, engine.Config{CriticalSources: []string{"patients", "medications"}}, netmon.TierExcellent)
	em, err := f.mgr.TriggerEmergency(context.Background(), engine.EmergencyRequest{
		DeviceID: "tablet-1", EmergencyType: "patient_emergency", CriticalOnly: true,
		Sources: []string{"patients", "medications", "schedules"},
	})
	if err != nil {
		t.Fatalf("TriggerEmergency: %s", err)
	}
	if len(em.Sources) != 2 || em.Sources[0] != "patients" || em.Sources[1] != "medications" {
		t.Fatalf("critical-only emergency should drop non-critical sources, got %v", em.Sources)
	}
	waitTerminal(t, f.mgr, em.ID)
}

func TestEmergencyValidation(t *testing.T) {
	f := newFixture(t, engine.Config{CriticalSources: []string{"patients"}}, netmon.TierExcellent)
	_, err := f.mgr.TriggerEmergency(context.Background(), engine.EmergencyRequest{DeviceID: "tablet-1"})
	if err == nil || internal.KindOf(err) != internal.KindValidation {
		t.Fatalf("emergency without a type should fail validation, got %v", err)
	}
}

func TestPoorLinkDropsNonCriticalSources(t *testing.T) {
	f := newFixture(t, engine.Config{CriticalSources: []string{"patients"}}, netmon.TierPoor)
	s, err := f.mgr.StartSession(context.Background(), engine.StartRequest{
		DeviceID: "tablet-1", Sources: []string{"patients", "schedules"},
	})
	if err != nil {
		t.Fatalf("StartSession: %s", err)
	}
	if len(s.Sources) != 1 || s.Sources[0] != "patients" {
		t.Fatalf("poor link should carry critical sources only, got %v", s.Sources)
	}
	if s.Policy.BatchSize != netmon.PolicyFor(netmon.TierPoor).BatchSize {
		t.Fatalf("expected the poor-tier batch size, got %d", s.Policy.BatchSize)
	}
	waitTerminal(t, f.mgr, s.ID)
}

func TestPolicyClampsToDeviceLimit(t *testing.T) {
	reg := testDevice("tablet-1")
	reg.Limits.MaxBatchSize = 5
	f := newFixture(t, engine.Config{}, netmon.TierExcellent, reg)
	s, err := f.mgr.StartSession(context.Background(), engine.StartRequest{
		DeviceID: "tablet-1", Sources: []string{"patients"},
	})
	if err != nil {
		t.Fatalf("StartSession: %s", err)
	}
	if s.Policy.BatchSize != 5 {
		t.Fatalf("batch size should clamp to the device limit, got %d", s.Policy.BatchSize)
	}
	waitTerminal(t, f.mgr, s.ID)
}

func TestSourcesFollowDevicePriorityOrder(t *testing.T) {
	reg := testDevice("tablet-1")
	reg.Settings.SourcePriorities = []string{"medications", "patients"}
	f := newFixture(t, engine.Config{}, netmon.TierExcellent, reg)
	s, err := f.mgr.StartSession(context.Background(), engine.StartRequest{
		DeviceID: "tablet-1", Sources: []string{"schedules", "patients", "medications"},
	})
	if err != nil {
		t.Fatalf("StartSession: %s", err)
	}
	want := []string{"medications", "patients", "schedules"}
	for i := range want {
		if s.Sources[i] != want[i] {
			t.Fatalf("expected source order %v, got %v", want, s.Sources)
		}
	}
	waitTerminal(t, f.mgr, s.ID)
}

func TestConflictResolvedDuringPull(t *testing.T) {
	f := newFixture(t, engine.Config{}, netmon.TierExcellent)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	// the device queued an edit at t0+10m; the server got a different edit at t0+20m
	baseData, _ := json.Marshal(map[string]interface{}{"status": "active"})
	f.transport.ancestor["patient|p1"] = &conflict.Version{
		Data: baseData, Token: "base-1", Checksum: conflict.Checksum(baseData), ServerTS: t0,
	}
	f.transport.remote["patients"] = []engine.RemoteItem{
		remoteItem("patient", "p1", t0.Add(20*time.Minute), map[string]interface{}{"status": "discharged"}),
	}
	if err := f.queue.Enqueue(ctx, &queue.Item{
		ID: "local-edit", DeviceID: "tablet-1", Source: "patients", Op: queue.OpUpdate,
		EntityType: "patient", EntityID: "p1",
		Payload:      json.RawMessage(`{"status":"suspended"}`),
		VersionToken: "local-1",
		EnqueuedAt:   t0.Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("Enqueue: %s", err)
	}

	s, err := f.mgr.StartSession(ctx, engine.StartRequest{DeviceID: "tablet-1", Sources: []string{"patients"}})
	if err != nil {
		t.Fatalf("StartSession: %s", err)
	}
	final := waitTerminal(t, f.mgr, s.ID)

	if final.Status != engine.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}
	if len(final.ConflictIDs) != 1 {
		t.Fatalf("expected one conflict, got %v", final.ConflictIDs)
	}
	c, err := f.conflicts.Get(ctx, final.ConflictIDs[0])
	if err != nil || c == nil {
		t.Fatalf("conflict not logged: %v %v", c, err)
	}
	if c.Type != conflict.TypeConcurrentUpdate || c.Status != conflict.StatusResolved {
		t.Fatalf("expected resolved concurrent_update, got %s/%s", c.Type, c.Status)
	}
	if got := gjson.GetBytes(c.Resolved.Data, "status").String(); got != "discharged" {
		t.Fatalf("later server write should win, got %s", got)
	}

	// the superseded local edit never reaches the store
	if pushes := f.transport.pushed(); len(pushes) != 0 {
		t.Fatalf("superseded edit must not be pushed, got %+v", pushes)
	}
	cancelled, _ := f.queue.Store().SelectByDevice(ctx, "tablet-1", queue.StatusCancelled)
	if len(cancelled) != 1 || cancelled[0].ID != "local-edit" {
		t.Fatalf("local edit should be cancelled as superseded, got %+v", cancelled)
	}

	// the device receives the resolved version
	deliveries := f.transport.delivered()
	if len(deliveries) != 1 {
		t.Fatalf("expected one delivery, got %+v", deliveries)
	}
	batch, err := transfer.DecodeBatch(deliveries[0].Frame)
	if err != nil {
		t.Fatalf("DecodeBatch: %s", err)
	}
	if len(batch.Items) != 1 || gjson.GetBytes(batch.Items[0], "status").String() != "discharged" {
		t.Fatalf("device should receive the resolved version, got %s", batch.Items)
	}
}

func TestEscalatedConflictParksEntity(t *testing.T) {
	f := newFixture(t, engine.Config{}, netmon.TierExcellent)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	// writes 500ms apart: too close for last_write_wins confidence
	baseData, _ := json.Marshal(map[string]interface{}{"status": "active"})
	f.transport.ancestor["patient|p1"] = &conflict.Version{
		Data: baseData, Token: "base-1", Checksum: conflict.Checksum(baseData), ServerTS: t0,
	}
	f.transport.remote["patients"] = []engine.RemoteItem{
		remoteItem("patient", "p1", t0.Add(10*time.Minute).Add(500*time.Millisecond), map[string]interface{}{"status": "discharged"}),
	}
	if err := f.queue.Enqueue(ctx, &queue.Item{
		ID: "local-edit", DeviceID: "tablet-1", Source: "patients", Op: queue.OpUpdate,
		EntityType: "patient", EntityID: "p1",
		Payload:      json.RawMessage(`{"status":"suspended"}`),
		VersionToken: "local-1",
		EnqueuedAt:   t0.Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("Enqueue: %s", err)
	}

	s, _ := f.mgr.StartSession(ctx, engine.StartRequest{DeviceID: "tablet-1", Sources: []string{"patients"}})
	final := waitTerminal(t, f.mgr, s.ID)
	if final.Status != engine.StatusCompleted {
		t.Fatalf("an escalated conflict is not a session failure, got %s (%s)", final.Status, final.Error)
	}
	if final.SyncedItems != 0 {
		t.Fatalf("nothing reached either side, yet %d items counted as synced", final.SyncedItems)
	}

	escalated, _ := f.conflicts.Select(ctx, "tablet-1", conflict.StatusEscalated)
	if len(escalated) != 1 {
		t.Fatalf("expected one escalated conflict, got %+v", escalated)
	}
	// neither side applied while a human decides
	if deliveries := f.transport.delivered(); len(deliveries) != 0 {
		t.Fatalf("parked entity must not be delivered, got %+v", deliveries)
	}
	if pushes := f.transport.pushed(); len(pushes) != 0 {
		t.Fatalf("parked entity must not be pushed, got %+v", pushes)
	}
	pending, _ := f.queue.Store().SelectByDevice(ctx, "tablet-1", queue.StatusPending)
	if len(pending) != 1 || pending[0].ID != "local-edit" {
		t.Fatalf("held edit should return to pending for a later session, got %+v", pending)
	}
}

func TestManualResolutionAppliedOnNextSession(t *testing.T) {
	f := newFixture(t, engine.Config{}, netmon.TierExcellent)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	baseData, _ := json.Marshal(map[string]interface{}{"status": "active"})
	f.transport.ancestor["patient|p1"] = &conflict.Version{
		Data: baseData, Token: "base-1", Checksum: conflict.Checksum(baseData), ServerTS: t0,
	}
	f.transport.remote["patients"] = []engine.RemoteItem{
		remoteItem("patient", "p1", t0.Add(10*time.Minute).Add(500*time.Millisecond), map[string]interface{}{"status": "discharged"}),
	}
	if err := f.queue.Enqueue(ctx, &queue.Item{
		ID: "local-edit", DeviceID: "tablet-1", Source: "patients", Op: queue.OpUpdate,
		EntityType: "patient", EntityID: "p1",
		Payload:      json.RawMessage(`{"status":"suspended"}`),
		VersionToken: "local-1",
		EnqueuedAt:   t0.Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("Enqueue: %s", err)
	}

	// first session escalates
	s1, _ := f.mgr.StartSession(ctx, engine.StartRequest{DeviceID: "tablet-1", Sources: []string{"patients"}})
	waitTerminal(t, f.mgr, s1.ID)
	escalated, _ := f.conflicts.Select(ctx, "tablet-1", conflict.StatusEscalated)
	if len(escalated) != 1 {
		t.Fatalf("expected one escalated conflict, got %+v", escalated)
	}

	// a clinician decides between sessions
	c := &escalated[0]
	if err := f.resolver.ResolveManually(c, []byte(`{"status":"on_hold"}`), "nurse-1"); err != nil {
		t.Fatalf("ResolveManually: %s", err)
	}
	if err := f.conflicts.Update(ctx, c); err != nil {
		t.Fatalf("Update: %s", err)
	}

	// the next session pushes the decision, not the stale local edit
	s2, err := f.mgr.StartSession(ctx, engine.StartRequest{DeviceID: "tablet-1", Sources: []string{"patients"}})
	if err != nil {
		t.Fatalf("StartSession: %s", err)
	}
	waitTerminal(t, f.mgr, s2.ID)

	pushes := f.transport.pushed()
	if len(pushes) != 1 {
		t.Fatalf("expected one push, got %+v", pushes)
	}
	if got := gjson.GetBytes(pushes[0].Data, "status").String(); got != "on_hold" {
		t.Fatalf("the manual decision should be pushed, got %s", pushes[0].Data)
	}
	cancelled, _ := f.queue.Store().SelectByDevice(ctx, "tablet-1", queue.StatusCancelled)
	if len(cancelled) != 1 || cancelled[0].ID != "local-edit" {
		t.Fatalf("stale edit should be cancelled as superseded, got %+v", cancelled)
	}
}

func TestEmergencyForcesResolution(t *testing.T) {
	f := newFixture(t, engine.Config{CriticalSources: []string{"patients"}}, netmon.TierExcellent)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	baseData, _ := json.Marshal(map[string]interface{}{"status": "active"})
	f.transport.ancestor["patient|p1"] = &conflict.Version{
		Data: baseData, Token: "base-1", Checksum: conflict.Checksum(baseData), ServerTS: t0,
	}
	f.transport.remote["patients"] = []engine.RemoteItem{
		remoteItem("patient", "p1", t0.Add(10*time.Minute).Add(500*time.Millisecond), map[string]interface{}{"status": "discharged"}),
	}
	if err := f.queue.Enqueue(ctx, &queue.Item{
		ID: "local-edit", DeviceID: "tablet-1", Source: "patients", Op: queue.OpUpdate,
		EntityType: "patient", EntityID: "p1",
		Payload:      json.RawMessage(`{"status":"suspended"}`),
		VersionToken: "local-1",
		EnqueuedAt:   t0.Add(10 * time.Minute),
	}); err != nil {
		t.Fatalf("Enqueue: %s", err)
	}

	em, err := f.mgr.TriggerEmergency(ctx, engine.EmergencyRequest{
		DeviceID: "tablet-1", EmergencyType: "patient_emergency", CriticalOnly: true,
	})
	if err != nil {
		t.Fatalf("TriggerEmergency: %s", err)
	}
	final := waitTerminal(t, f.mgr, em.ID)
	if final.Status != engine.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.Error)
	}

	resolved, _ := f.conflicts.Select(ctx, "tablet-1", conflict.StatusResolved)
	if len(resolved) != 1 {
		t.Fatalf("emergency must force resolution, got %+v", resolved)
	}
	audited := false
	for _, entry := range resolved[0].Audit {
		if entry.Note != "" {
			audited = true
		}
	}
	if !audited {
		t.Fatalf("forced resolution must carry an audit trail")
	}
	// the data still flows to the device
	if deliveries := f.transport.delivered(); len(deliveries) != 1 {
		t.Fatalf("expected the resolved version delivered, got %+v", deliveries)
	}
}

func TestShutdownInterruptsRunningSessions(t *testing.T) {
	f := newFixture(t, engine.Config{ShutdownGrace: 20 * time.Millisecond}, netmon.TierExcellent)
	f.transport.blockCh = make(chan struct{})
	defer close(f.transport.blockCh)
	ctx := context.Background()

	s, err := f.mgr.StartSession(ctx, engine.StartRequest{DeviceID: "tablet-1", Sources: []string{"patients"}})
	if err != nil {
		t.Fatalf("StartSession: %s", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.mgr.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %s", err)
	}

	final, err := f.mgr.GetStatus(s.ID)
	if err != nil {
		t.Fatalf("GetStatus: %s", err)
	}
	if final.Status != engine.StatusInterrupted {
		t.Fatalf("expected interrupted, got %s", final.Status)
	}

	_, err = f.mgr.StartSession(ctx, engine.StartRequest{DeviceID: "tablet-1", Sources: []string{"patients"}})
	if err == nil || internal.KindOf(err) != internal.KindTransient {
		t.Fatalf("admission should be closed during shutdown, got %v", err)
	}
}

func TestCancelSessionRollsBackClaims(t *testing.T) {
	f := newFixture(t, engine.Config{}, netmon.TierExcellent)
	ctx := context.Background()
	f.transport.pushErr = internal.Transientf("store timeout")
	f.transport.blockCh = make(chan struct{})

	if err := f.queue.Enqueue(ctx, &queue.Item{
		ID: "stuck", DeviceID: "tablet-1", Source: "patients", Op: queue.OpUpdate,
		EntityType: "patient", EntityID: "p1", Payload: json.RawMessage(`{"status":"new"}`),
	}); err != nil {
		t.Fatalf("Enqueue: %s", err)
	}

	s, err := f.mgr.StartSession(ctx, engine.StartRequest{DeviceID: "tablet-1", Sources: []string{"patients"}})
	if err != nil {
		t.Fatalf("StartSession: %s", err)
	}
	if err := f.mgr.CancelSession(s.ID); err != nil {
		t.Fatalf("CancelSession: %s", err)
	}
	close(f.transport.blockCh)
	final := waitTerminal(t, f.mgr, s.ID)
	if final.Status != engine.StatusInterrupted {
		t.Fatalf("expected interrupted, got %s", final.Status)
	}

	if err := f.mgr.CancelSession(s.ID); err == nil {
		t.Fatalf("cancelling a finished session should fail")
	}

	// nothing left claimed: the item is pending or rescheduled, never lost
	processing, _ := f.queue.Store().SelectByDevice(ctx, "tablet-1", queue.StatusProcessing)
	if len(processing) != 0 {
		t.Fatalf("interrupted session left items claimed: %+v", processing)
	}
}

func TestJanitorPrunesFinishedSessions(t *testing.T) {
	f := newFixture(t, engine.Config{}, netmon.TierExcellent)
	s, err := f.mgr.StartSession(context.Background(), engine.StartRequest{
		DeviceID: "tablet-1", Sources: []string{"patients"},
	})
	if err != nil {
		t.Fatalf("StartSession: %s", err)
	}
	waitTerminal(t, f.mgr, s.ID)

	if n := f.mgr.Registry().Prune(time.Hour); n != 0 {
		t.Fatalf("recent session should survive pruning, removed %d", n)
	}
	if n := f.mgr.Registry().Prune(0); n != 1 {
		t.Fatalf("expected 1 pruned session, got %d", n)
	}
	if _, err := f.mgr.GetStatus(s.ID); err == nil {
		t.Fatalf("pruned session should be gone")
	}
}

func TestEmergencyNotStarvedByRoutineLoad(t *testing.T) {
	// One routine worker, held mid-pull by tablet-1. The emergency for
	// tablet-2 must run on the reserve rather than wait for the routine
	// worker to come back.
	f := newFixture(t, engine.Config{MaxWorkers: 1, EmergencyWorkers: 1, CriticalSources: []string{"patients"}},
		netmon.TierExcellent, testDevice("tablet-1"), testDevice("tablet-2"))
	f.transport.blockCh = make(chan struct{})
	f.transport.blockSource = "schedules"
	ctx := context.Background()

	rt, err := f.mgr.StartSession(ctx, engine.StartRequest{DeviceID: "tablet-1", Sources: []string{"schedules"}})
	if err != nil {
		t.Fatalf("StartSession: %s", err)
	}
	// wait until the routine worker is actually occupied
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, err := f.mgr.GetStatus(rt.ID)
		if err != nil {
			t.Fatalf("GetStatus: %s", err)
		}
		if s.Status == engine.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("routine session never started running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	em, err := f.mgr.TriggerEmergency(ctx, engine.EmergencyRequest{
		DeviceID: "tablet-2", EmergencyType: "patient_emergency", CriticalOnly: true,
	})
	if err != nil {
		t.Fatalf("TriggerEmergency: %s", err)
	}
	final := waitTerminal(t, f.mgr, em.ID)
	if final.Status != engine.StatusCompleted {
		t.Fatalf("emergency should complete on the reserve, got %s (%s)", final.Status, final.Error)
	}

	// the routine session is still held, proving the emergency never
	// depended on the routine worker
	if s, _ := f.mgr.GetStatus(rt.ID); s.Status.Terminal() {
		t.Fatalf("routine session should still be blocked, got %s", s.Status)
	}
	close(f.transport.blockCh)
	waitTerminal(t, f.mgr, rt.ID)
}

func TestDeviceNeverShowsTwoLiveRoutineSessions(t *testing.T) {
	f := newFixture(t, engine.Config{MaxWorkers: 2}, netmon.TierExcellent)
	ctx := context.Background()

	stop := make(chan struct{})
	var doubled atomic.Bool
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			perDevice := make(map[string]int)
			for _, s := range f.mgr.ActiveSessions() {
				if s.Mode != engine.ModeEmergency {
					perDevice[s.DeviceID]++
				}
			}
			for _, n := range perDevice {
				if n > 1 {
					doubled.Store(true)
				}
			}
		}
	}()

	// back-to-back sessions: the moment a poll observes a terminal status,
	// the next admission must succeed
	for i := 0; i < 25; i++ {
		s, err := f.mgr.StartSession(ctx, engine.StartRequest{DeviceID: "tablet-1", Sources: []string{"patients"}})
		if err != nil {
			t.Fatalf("run %d: admission after observed completion should never bounce: %s", i, err)
		}
		waitTerminal(t, f.mgr, s.ID)
	}
	close(stop)
	if doubled.Load() {
		t.Fatalf("observed two live routine sessions for one device")
	}
}

func TestFailedDeliveryNotCountedAsSynced(t *testing.T) {
	f := newFixture(t, engine.Config{MaxPullRetries: 1}, netmon.TierExcellent)
	f.transport.remote["patients"] = []engine.RemoteItem{
		remoteItem("patient", "p1", time.Now(), map[string]interface{}{"status": "active"}),
	}
	f.transport.deliverErr = internal.Fatalf("device rejected the frame")

	s, err := f.mgr.StartSession(context.Background(), engine.StartRequest{
		DeviceID: "tablet-1", Sources: []string{"patients"},
	})
	if err != nil {
		t.Fatalf("StartSession: %s", err)
	}
	final := waitTerminal(t, f.mgr, s.ID)
	if final.Status != engine.StatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.SyncedItems != 0 {
		t.Fatalf("undelivered items must not count as synced, got %d", final.SyncedItems)
	}
}
