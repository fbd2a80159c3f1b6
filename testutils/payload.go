package testutils

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/outreach-health/fieldsync/conflict"
)

var (
	tokenCounter = 0
	tokenMu      sync.Mutex
)

func generateToken() string {
	tokenMu.Lock()
	defer tokenMu.Unlock()
	tokenCounter++
	return fmt.Sprintf("v%d", tokenCounter)
}

// NewPayload builds a JSON payload for a test entity.
func NewPayload(t *testing.T, fields map[string]interface{}) json.RawMessage {
	t.Helper()
	j, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("failed to make payload JSON: %s", err)
	}
	return j
}

// NewVersion wraps a payload as a conflict.Version with a fresh token and a
// server timestamp.
func NewVersion(t *testing.T, serverTS time.Time, fields map[string]interface{}) conflict.Version {
	t.Helper()
	data := NewPayload(t, fields)
	return conflict.Version{
		Data:     data,
		Token:    generateToken(),
		Checksum: conflict.Checksum(data),
		ServerTS: serverTS,
	}
}
