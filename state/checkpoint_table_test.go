package state

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestCheckpointTableAdvance(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewCheckpointTable(db)
	ctx := context.Background()
	deviceID := "device-" + uuid.NewString()

	// An unseen device/source pair starts from scratch.
	token, err := table.Token(ctx, deviceID, "patients")
	if err != nil {
		t.Fatalf("Token: %s", err)
	}
	if token != "" {
		t.Fatalf("fresh checkpoint should be empty, got %q", token)
	}

	if err := table.Advance(ctx, deviceID, "patients", "cursor-1"); err != nil {
		t.Fatalf("Advance: %s", err)
	}
	if err := table.Advance(ctx, deviceID, "patients", "cursor-2"); err != nil {
		t.Fatalf("Advance: %s", err)
	}
	token, err = table.Token(ctx, deviceID, "patients")
	if err != nil {
		t.Fatalf("Token: %s", err)
	}
	if token != "cursor-2" {
		t.Fatalf("got %q want cursor-2", token)
	}
}

func TestCheckpointTableSourcesAreIndependent(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewCheckpointTable(db)
	ctx := context.Background()
	deviceID := "device-" + uuid.NewString()

	if err := table.Advance(ctx, deviceID, "patients", "p-5"); err != nil {
		t.Fatalf("Advance: %s", err)
	}
	if err := table.Advance(ctx, deviceID, "medications", "m-9"); err != nil {
		t.Fatalf("Advance: %s", err)
	}

	all, err := table.SelectByDevice(ctx, deviceID)
	if err != nil {
		t.Fatalf("SelectByDevice: %s", err)
	}
	if len(all) != 2 || all["patients"] != "p-5" || all["medications"] != "m-9" {
		t.Fatalf("wrong checkpoints: %+v", all)
	}
}
