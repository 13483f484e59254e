package models

import "time"

type CycleOutcome string

const (
	// OutcomeCompleted means the new world loaded and players were sent in.
	OutcomeCompleted CycleOutcome = "completed"
	// OutcomeRestarted means the host restarted into the new world and the
	// cycle finished on the next start.
	OutcomeRestarted CycleOutcome = "restarted"
	// OutcomeGenerationFailed means players were sent to the lobby instead.
	OutcomeGenerationFailed CycleOutcome = "generation_failed"
)

type Cycle struct {
	ID          int64        `json:"id"`
	CycleNumber int          `json:"cycleNumber"`
	World       string       `json:"world"`
	Seed        *int64       `json:"seed,omitempty"`
	Outcome     CycleOutcome `json:"outcome"`
	Requester   string       `json:"requester,omitempty"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  time.Time    `json:"finishedAt"`
}
