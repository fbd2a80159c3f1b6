package state

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/outreach-health/fieldsync/conflict"
)

func testConflict(deviceID string) *conflict.Conflict {
	localData := []byte(`{"status":"admitted"}`)
	remoteData := []byte(`{"status":"discharged"}`)
	return &conflict.Conflict{
		ID:         uuid.NewString(),
		SessionID:  uuid.NewString(),
		DeviceID:   deviceID,
		Source:     "patients",
		EntityType: "patient",
		EntityID:   uuid.NewString(),
		Fields:     []string{"status"},
		Local: conflict.Version{
			Data:     localData,
			Token:    "local-" + uuid.NewString(),
			Checksum: conflict.Checksum(localData),
			ServerTS: time.Now().Add(-time.Minute),
		},
		Remote: conflict.Version{
			Data:     remoteData,
			Token:    "remote-" + uuid.NewString(),
			Checksum: conflict.Checksum(remoteData),
			ServerTS: time.Now(),
		},
		Type:       conflict.TypeConcurrentUpdate,
		Status:     conflict.StatusPending,
		DetectedAt: time.Now(),
	}
}

func TestConflictTableInsertDeduplicatesVersionPair(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewConflictTable(db)
	ctx := context.Background()

	c := testConflict("device-" + uuid.NewString())
	inserted, err := table.Insert(ctx, c)
	if err != nil {
		t.Fatalf("Insert: %s", err)
	}
	if !inserted {
		t.Fatalf("first insert should report inserted")
	}

	// Same version pair under a fresh ID, as re-detection would produce.
	dup := *c
	dup.ID = uuid.NewString()
	dup.SessionID = uuid.NewString()
	inserted, err = table.Insert(ctx, &dup)
	if err != nil {
		t.Fatalf("Insert dup: %s", err)
	}
	if inserted {
		t.Fatalf("duplicate version pair should not insert")
	}

	got, err := table.GetByVersionPair(ctx, c.EntityType, c.EntityID, c.Local.Token, c.Remote.Token)
	if err != nil {
		t.Fatalf("GetByVersionPair: %s", err)
	}
	if got == nil || got.ID != c.ID {
		t.Fatalf("stored conflict should keep the original ID, got %+v", got)
	}
}

func TestConflictTableRoundTrip(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewConflictTable(db)
	ctx := context.Background()

	c := testConflict("device-" + uuid.NewString())
	c.Base = conflict.Version{Data: []byte(`{"status":"active"}`), Token: "base-1"}
	c.AddAudit("detected during pull")
	if _, err := table.Insert(ctx, c); err != nil {
		t.Fatalf("Insert: %s", err)
	}

	got, err := table.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if got == nil {
		t.Fatalf("conflict not found")
	}
	if got.Type != conflict.TypeConcurrentUpdate || got.Base.Token != "base-1" || len(got.Audit) != 1 {
		t.Fatalf("round trip lost data: %+v", got)
	}
	if got.Local.Checksum != c.Local.Checksum || got.Remote.Checksum != c.Remote.Checksum {
		t.Fatalf("version checksums lost: %+v", got)
	}

	missing, err := table.Get(ctx, uuid.NewString())
	if err != nil {
		t.Fatalf("Get missing: %s", err)
	}
	if missing != nil {
		t.Fatalf("missing conflict should be nil, got %+v", missing)
	}
}

func TestConflictTableResolvedIsImmutable(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewConflictTable(db)
	ctx := context.Background()

	c := testConflict("device-" + uuid.NewString())
	if _, err := table.Insert(ctx, c); err != nil {
		t.Fatalf("Insert: %s", err)
	}

	c.Status = conflict.StatusResolved
	c.Strategy = conflict.StrategyLastWriteWins
	c.Resolved = &c.Remote
	c.ResolvedBy = "system"
	c.ResolvedAt = time.Now()
	if err := table.Update(ctx, c); err != nil {
		t.Fatalf("Update to resolved: %s", err)
	}

	c.Status = conflict.StatusEscalated
	if err := table.Update(ctx, c); err == nil {
		t.Fatalf("update of a resolved conflict should fail")
	}

	got, err := table.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	if got.Status != conflict.StatusResolved || got.Strategy != conflict.StrategyLastWriteWins {
		t.Fatalf("resolved state was mutated: %+v", got)
	}
}

func TestConflictTableSelect(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewConflictTable(db)
	ctx := context.Background()
	deviceID := "device-" + uuid.NewString()

	pending := testConflict(deviceID)
	escalated := testConflict(deviceID)
	escalated.Status = conflict.StatusEscalated
	other := testConflict("device-" + uuid.NewString())
	for _, c := range []*conflict.Conflict{pending, escalated, other} {
		if _, err := table.Insert(ctx, c); err != nil {
			t.Fatalf("Insert: %s", err)
		}
	}

	got, err := table.Select(ctx, deviceID, "")
	if err != nil {
		t.Fatalf("Select: %s", err)
	}
	if len(got) != 2 {
		t.Fatalf("device select: got %d want 2", len(got))
	}

	got, err = table.Select(ctx, deviceID, conflict.StatusEscalated)
	if err != nil {
		t.Fatalf("Select: %s", err)
	}
	if len(got) != 1 || got[0].ID != escalated.ID {
		t.Fatalf("status select wrong: %+v", got)
	}
}
