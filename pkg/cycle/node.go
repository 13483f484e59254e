package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/game/types"
	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/loop"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/platform"
	"github.com/cbodonnell/worldcycle/pkg/relocation"
	"github.com/cbodonnell/worldcycle/pkg/state"
	"github.com/google/uuid"
)

// DefaultSyncWait bounds how long a synchronous begin-cycle waits for the
// local part of the cycle.
const DefaultSyncWait = 120 * time.Second

// DispatchStatus tells the endpoint how to answer an inbound RPC.
type DispatchStatus int

const (
	// DispatchCompleted means the action finished locally.
	DispatchCompleted DispatchStatus = iota
	// DispatchAccepted means the action was taken but not confirmed in time.
	DispatchAccepted
)

func (s DispatchStatus) String() string {
	if s == DispatchCompleted {
		return "completed"
	}
	return "accepted"
}

// TriggerOutcome is what TriggerCycle did.
type TriggerOutcome int

const (
	TriggerStarted TriggerOutcome = iota
	TriggerIgnored
	TriggerForwarded
)

func (t TriggerOutcome) String() string {
	switch t {
	case TriggerStarted:
		return "started"
	case TriggerIgnored:
		return "ignored"
	case TriggerForwarded:
		return "forwarded"
	default:
		return "unknown"
	}
}

type Status struct {
	Role                 types.Role `json:"role"`
	CycleNumber          int        `json:"cycleNumber"`
	AttemptsSinceLastWin int        `json:"attemptsSinceLastWin"`
	TotalWins            int        `json:"totalWins"`
	InProgress           bool       `json:"inProgress"`
	Phase                string     `json:"phase"`
	World                string     `json:"world"`
	OnlinePlayers        int        `json:"onlinePlayers"`
	Participants         int        `json:"participants"`
}

// Health is the read-only health answer.
type Health struct {
	Status        string     `json:"status"`
	Role          types.Role `json:"role"`
	CycleNumber   int        `json:"cycleNumber"`
	PlayersOnline int        `json:"playersOnline"`
}

// Node is the entry point for operators, the HTTP endpoint and the relay
// listener. Every method is safe to call from any goroutine except the loop.
type Node struct {
	role         types.Role
	loop         *loop.Loop
	host         platform.Host
	state        state.StateManager
	orchestrator *Orchestrator
	relocator    Relocator
	notifier     Notifier
	joinSeconds  int
	syncWait     time.Duration
	logger       *log.Logger
}

type NewNodeOptions struct {
	Role         types.Role
	Loop         *loop.Loop
	Host         platform.Host
	State        state.StateManager
	Orchestrator *Orchestrator
	Relocator    Relocator
	Notifier     Notifier
	// JoinCountdownSeconds is the countdown shown before a world-ready move.
	JoinCountdownSeconds int
	// SyncWait defaults to DefaultSyncWait.
	SyncWait time.Duration
}

func NewNode(opts NewNodeOptions) *Node {
	syncWait := opts.SyncWait
	if syncWait <= 0 {
		syncWait = DefaultSyncWait
	}
	return &Node{
		role:         opts.Role,
		loop:         opts.Loop,
		host:         opts.Host,
		state:        opts.State,
		orchestrator: opts.Orchestrator,
		relocator:    opts.Relocator,
		notifier:     opts.Notifier,
		joinSeconds:  opts.JoinCountdownSeconds,
		syncWait:     syncWait,
		logger:       log.With("node"),
	}
}

func (n *Node) Role() types.Role {
	return n.role
}

// TriggerCycle starts a cycle on a hardcore node and asks the hardcore peer
// to start one from a lobby node.
func (n *Node) TriggerCycle(ctx context.Context, requester uuid.UUID) (TriggerOutcome, error) {
	if n.role == types.RoleLobby {
		n.notifier.SendAsync(ctx, messages.ActionBeginCycle, requester)
		n.logger.Info("Forwarded cycle request from %s to the hardcore node", requesterName(requester))
		return TriggerForwarded, nil
	}
	result, err := n.trigger(ctx, requester)
	if err != nil {
		return TriggerIgnored, err
	}
	if !result.Started {
		return TriggerIgnored, nil
	}
	return TriggerStarted, nil
}

func (n *Node) trigger(ctx context.Context, requester uuid.UUID) (TriggerResult, error) {
	var result TriggerResult
	var err error
	if callErr := n.loop.Call(ctx, func() {
		result, err = n.orchestrator.Trigger(requester)
	}); callErr != nil {
		return TriggerResult{}, callErr
	}
	return result, err
}

// Dispatch runs an inbound RPC. With wait set, begin-cycle blocks until the
// local part of the cycle is over or the sync wait elapses.
func (n *Node) Dispatch(ctx context.Context, m messages.Message, wait bool) (DispatchStatus, error) {
	switch m.Action {
	case messages.ActionBeginCycle:
		return n.dispatchBeginCycle(ctx, m, wait)
	case messages.ActionWorldReady:
		err := n.loop.Call(ctx, func() {
			n.relocator.ScheduleRelocation(relocation.Cohort{
				Players:     onlineIDs(n.host),
				Seconds:     n.joinSeconds,
				Destination: types.DestinationHardcore,
				Requester:   m.Caller,
			})
		})
		return DispatchCompleted, err
	case messages.ActionMovePlayers:
		dest := types.DestinationOf(n.role.Peer())
		err := n.loop.Call(ctx, func() {
			n.relocator.RelocateNow(onlineIDs(n.host), dest)
		})
		return DispatchCompleted, err
	default:
		return DispatchCompleted, &messages.ErrUnknownAction{Tag: m.Action.String()}
	}
}

func (n *Node) dispatchBeginCycle(ctx context.Context, m messages.Message, wait bool) (DispatchStatus, error) {
	result, err := n.trigger(ctx, m.Caller)
	if err != nil {
		return DispatchCompleted, err
	}
	if !result.Started {
		return DispatchAccepted, nil
	}
	if !wait {
		return DispatchAccepted, nil
	}

	timer := time.NewTimer(n.syncWait)
	defer timer.Stop()
	select {
	case <-result.Done:
		return DispatchCompleted, nil
	case <-timer.C:
		n.logger.Warn("Cycle %d not finished after %s, answering unconfirmed", result.CycleNumber, n.syncWait)
		return DispatchAccepted, nil
	case <-ctx.Done():
		return DispatchAccepted, nil
	}
}

// SetCycleNumber overrides the cycle number. Refused while a cycle runs.
func (n *Node) SetCycleNumber(ctx context.Context, number int) (state.CycleState, error) {
	var s state.CycleState
	var err error
	if callErr := n.loop.Call(ctx, func() {
		s, err = n.orchestrator.SetCycleNumber(number)
	}); callErr != nil {
		return state.CycleState{}, callErr
	}
	if err != nil {
		return s, fmt.Errorf("failed to set cycle number: %w", err)
	}
	return s, nil
}

func (n *Node) RecordWin(ctx context.Context) (state.CycleState, error) {
	var s state.CycleState
	var err error
	if callErr := n.loop.Call(ctx, func() {
		s, err = n.orchestrator.RecordWin()
	}); callErr != nil {
		return state.CycleState{}, callErr
	}
	return s, err
}

func (n *Node) Status(ctx context.Context) (Status, error) {
	var status Status
	err := n.loop.Call(ctx, func() {
		s := n.state.Get()
		status = Status{
			Role:                 n.role,
			CycleNumber:          s.CycleNumber,
			AttemptsSinceLastWin: s.AttemptsSinceLastWin,
			TotalWins:            s.TotalWins,
			InProgress:           s.InProgress,
			Phase:                n.orchestrator.Phase().String(),
			World:                n.orchestrator.CurrentWorld(),
			OnlinePlayers:        len(n.host.OnlinePlayers()),
			Participants:         n.orchestrator.Participants(),
		}
	})
	return status, err
}

// Health reads only thread-safe sources so it answers while the loop is busy.
func (n *Node) Health() Health {
	return Health{
		Status:        "ok",
		Role:          n.role,
		CycleNumber:   n.state.Get().CycleNumber,
		PlayersOnline: len(n.host.OnlinePlayers()),
	}
}

func onlineIDs(host platform.Host) []uuid.UUID {
	players := host.OnlinePlayers()
	ids := make([]uuid.UUID, 0, len(players))
	for _, p := range players {
		ids = append(ids, p.ID())
	}
	return ids
}
