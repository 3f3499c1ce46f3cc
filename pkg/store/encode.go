package store

import (
	"encoding/json"
	"fmt"

	"github.com/user/scanrelay/pkg/engine"
)

// Encode serializes a snapshot within maxBytes. When the full form is too
// large the finding details are dropped and only IDs are kept; compact reports that.
func Encode(s *engine.Snapshot, maxBytes int) (data []byte, compact bool, err error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	data, err = json.Marshal(s)
	if err != nil {
		return nil, false, fmt.Errorf("encode snapshot %d: %w", s.Number, err)
	}
	if len(data) <= maxBytes {
		return data, false, nil
	}

	data, err = json.Marshal(s.Compacted())
	if err != nil {
		return nil, false, fmt.Errorf("encode compact snapshot %d: %w", s.Number, err)
	}
	if len(data) > maxBytes {
		return nil, false, fmt.Errorf("batch %d is %d bytes, limit %d: %w", s.Number, len(data), maxBytes, ErrSnapshotTooLarge)
	}
	return data, true, nil
}

// Decode parses a stored snapshot. Anything unreadable is ErrSnapshotUnavailable.
func Decode(data []byte) (*engine.Snapshot, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty document: %w", ErrSnapshotUnavailable)
	}
	var s engine.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %v: %w", err, ErrSnapshotUnavailable)
	}
	if s.Number < 1 {
		return nil, fmt.Errorf("snapshot has no batch number: %w", ErrSnapshotUnavailable)
	}
	return &s, nil
}
