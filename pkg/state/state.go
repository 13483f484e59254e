package state

import (
	"github.com/google/uuid"
)

// CycleState is the process-wide cycle record. Only the orchestrator mutates it.
type CycleState struct {
	CycleNumber          int
	AttemptsSinceLastWin int
	TotalWins            int
	InProgress           bool
	// LastRequester is uuid.Nil when the last cycle had no requesting player.
	LastRequester uuid.UUID
}

// Default is the state of a node that never cycled.
func Default() CycleState {
	return CycleState{CycleNumber: 1}
}

// StateManager provides shared access to the cycle state.
// Implementations must be thread-safe.
type StateManager interface {
	// Get returns a copy of the current cycle state.
	Get() CycleState
	// Update applies fn and persists the result.
	Update(fn func(s *CycleState)) (CycleState, error)
}
