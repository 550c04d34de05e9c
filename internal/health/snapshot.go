package health

import (
	"fmt"
	"os"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/alicia-home/alicia/internal/protocol"
)

// fleetSnapshot is the msgpack document cached across monitor restarts so a
// fresh process starts from the last known fleet instead of an empty one.
type fleetSnapshot struct {
	SavedAt time.Time       `msgpack:"saved_at"`
	Entries []snapshotEntry `msgpack:"entries"`
}

type snapshotEntry struct {
	Service  string                  `msgpack:"service"`
	Online   bool                    `msgpack:"online"`
	LastSeen time.Time               `msgpack:"last_seen"`
	Snapshot protocol.HealthSnapshot `msgpack:"snapshot"`
}

func saveSnapshot(path string, snap fleetSnapshot) error {
	data, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode fleet snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write fleet snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string) (fleetSnapshot, error) {
	var snap fleetSnapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode fleet snapshot: %w", err)
	}
	return snap, nil
}
