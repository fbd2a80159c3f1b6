// Package transfer handles the wire shape of replication: batch framing with
// optional compression, and opaque checkpoint cursors.
package transfer

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// frame header flags
const (
	flagPlain  = 0x0
	flagSnappy = 0x1
)

// Batch is what a replicator ships to a device in one unit: the items plus
// the checkpoint cursor (an opaque EncodeCheckpoint value) the device should
// acknowledge once everything is applied.
type Batch struct {
	Source string            `json:"source"`
	Items  []json.RawMessage `json:"items"`
	Cursor string            `json:"cursor"`
}

// EncodeBatch frames a batch for delivery, snappy-compressing when the
// session's network policy asks for it. The one-byte header keeps decode
// self-describing so policy changes between sessions don't strand devices.
func EncodeBatch(b *Batch, compress bool) ([]byte, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("EncodeBatch: %w", err)
	}
	if !compress {
		return append([]byte{flagPlain}, payload...), nil
	}
	return append([]byte{flagSnappy}, snappy.Encode(nil, payload)...), nil
}

func DecodeBatch(data []byte) (*Batch, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("DecodeBatch: empty frame")
	}
	payload := data[1:]
	switch data[0] {
	case flagPlain:
	case flagSnappy:
		var err error
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("DecodeBatch: %w", err)
		}
	default:
		return nil, fmt.Errorf("DecodeBatch: unknown frame flag 0x%x", data[0])
	}
	var b Batch
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("DecodeBatch: %w", err)
	}
	return &b, nil
}
