package cycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/files"
	"github.com/google/uuid"
)

const RestartMarkerFile = "cycle-restart.json"

// restartMarker survives the host restart that loads a freshly generated
// world so the next process can finish the cycle.
type restartMarker struct {
	CycleNumber int       `json:"cycleNumber"`
	World       string    `json:"world"`
	Seed        *int64    `json:"seed,omitempty"`
	Requester   uuid.UUID `json:"requester"`
	StartedAt   time.Time `json:"startedAt"`
}

func writeMarker(path string, m restartMarker) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal restart marker: %w", err)
	}
	if err := files.WriteAtomic(path, b); err != nil {
		return fmt.Errorf("failed to write restart marker: %w", err)
	}
	return nil
}

// readMarker returns nil without error when no restart is pending.
func readMarker(path string) (*restartMarker, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read restart marker: %w", err)
	}
	var m restartMarker
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal restart marker: %w", err)
	}
	return &m, nil
}

func removeMarker(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove restart marker: %w", err)
	}
	return nil
}
