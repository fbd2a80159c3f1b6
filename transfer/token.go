package transfer

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Checkpoint is the last remote position a device has acknowledged for one
// data source. Devices treat the encoded form as opaque; keyasint tags keep
// the cursor short on constrained links.
type Checkpoint struct {
	Source    string `cbor:"1,keyasint" json:"source"`
	Token     string `cbor:"2,keyasint" json:"token"`
	AppliedAt int64  `cbor:"3,keyasint" json:"applied_at"`
}

func NewCheckpoint(source, token string) Checkpoint {
	return Checkpoint{Source: source, Token: token, AppliedAt: time.Now().Unix()}
}

// EncodeCheckpoint renders the checkpoint as an opaque URL-safe cursor.
func EncodeCheckpoint(cp Checkpoint) (string, error) {
	b, err := cbor.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("EncodeCheckpoint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCheckpoint(cursor string) (Checkpoint, error) {
	var cp Checkpoint
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return cp, fmt.Errorf("DecodeCheckpoint: %w", err)
	}
	if err := cbor.Unmarshal(b, &cp); err != nil {
		return cp, fmt.Errorf("DecodeCheckpoint: %w", err)
	}
	return cp, nil
}
