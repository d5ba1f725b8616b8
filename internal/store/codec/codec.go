// Package codec defines the serialized archive format shared by all
// store backends: JSON compressed with snappy.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/snappy"

	"github.com/pweids/cairo/pkg/ledger"
	"github.com/pweids/cairo/pkg/tree"
)

// ErrNotFound is returned by a backend's Load when nothing has been
// saved yet.
var ErrNotFound = errors.New("store: no archive found")

// Archive is the complete persisted state of a cairo store: the version
// ledger plus every node's mod history.
type Archive struct {
	SavedAt time.Time    `json:"saved_at"`
	Ledger  ledger.State `json:"ledger"`
	Tree    tree.State   `json:"tree"`
}

// Marshal encodes an archive as snappy-compressed JSON.
func Marshal(a *Archive) ([]byte, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode archive: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// Unmarshal decodes a snappy-compressed JSON archive.
func Unmarshal(data []byte) (*Archive, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress archive: %w", err)
	}
	var a Archive
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	return &a, nil
}
