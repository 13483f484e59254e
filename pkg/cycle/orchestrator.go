// Package cycle drives world resets on the hardcore node and exposes the
// node-level operations used by the command line, the HTTP endpoint and the
// relay listener.
package cycle

import (
	"context"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/config"
	"github.com/cbodonnell/worldcycle/pkg/game/types"
	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/loop"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/metrics"
	"github.com/cbodonnell/worldcycle/pkg/platform"
	"github.com/cbodonnell/worldcycle/pkg/relocation"
	"github.com/cbodonnell/worldcycle/pkg/repositories/models"
	"github.com/cbodonnell/worldcycle/pkg/state"
	"github.com/cbodonnell/worldcycle/pkg/world"
	"github.com/google/uuid"
)

// DefaultRestartTimeout is how long the process may keep running after the
// host accepted a restart.
const DefaultRestartTimeout = 5 * time.Minute

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingPlayerExit
	PhaseGenerating
	PhaseRelocating
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingPlayerExit:
		return "awaiting-player-exit"
	case PhaseGenerating:
		return "generating"
	case PhaseRelocating:
		return "relocating"
	default:
		return "unknown"
	}
}

// Relocator moves players; implemented by relocation.Scheduler.
type Relocator interface {
	ScheduleRelocation(c relocation.Cohort)
	RelocateNow(players []uuid.UUID, dest types.Destination)
}

// Notifier sends a peer RPC without blocking the caller.
type Notifier interface {
	SendAsync(ctx context.Context, action messages.Action, caller uuid.UUID)
}

// WorldRetirer removes old worlds, now or at the next start.
type WorldRetirer interface {
	Retire(world string)
	Defer(world string)
}

// HistoryRecorder receives finished cycles. It must not block.
type HistoryRecorder interface {
	RecordCycle(c *models.Cycle)
}

// TriggerResult describes the outcome of Trigger. Started is false when a
// cycle was already running; the call was then ignored. Done closes when the
// local part of the started cycle is over.
type TriggerResult struct {
	Started     bool
	CycleNumber int
	Done        <-chan struct{}
}

// cycleRun is the bookkeeping of the cycle in flight.
type cycleRun struct {
	number    int
	oldWorld  string
	newWorld  string
	seed      *int64
	requester uuid.UUID
	startedAt time.Time
	done      chan struct{}
	closed    bool
}

func (r *cycleRun) finish() {
	if !r.closed {
		r.closed = true
		close(r.done)
	}
}

// Orchestrator is the cycle state machine. It is the only writer of the
// cycle state and must only be used from the main loop.
type Orchestrator struct {
	ctx       context.Context
	role      types.Role
	loop      *loop.Loop
	host      platform.Host
	state     state.StateManager
	relocator Relocator
	notifier  Notifier
	retirer   WorldRetirer
	history   HistoryRecorder
	logger    *log.Logger

	markerPath      string
	worldBaseName   string
	levelConfigPath string
	generationMode  config.GenerationMode
	seed            int64
	randomSeed      bool
	randSeed        func() int64
	exitSeconds     int
	vacateTimeout   time.Duration
	forceGrace      time.Duration
	restartTimeout  time.Duration
	cycleOnDeath    bool
	now             func() time.Time

	phase   Phase
	world   string
	run     *cycleRun
	present map[uuid.UUID]struct{}
}

type NewOrchestratorOptions struct {
	// Context bounds the RPCs the orchestrator sends. Defaults to Background.
	Context   context.Context
	Role      types.Role
	Loop      *loop.Loop
	Host      platform.Host
	State     state.StateManager
	Relocator Relocator
	Notifier  Notifier
	Retirer   WorldRetirer
	// History is optional.
	History HistoryRecorder

	DataDir         string
	WorldBaseName   string
	LevelConfigPath string
	GenerationMode  config.GenerationMode
	Seed            int64
	RandomSeed      bool
	// RandSeed draws random seeds. Defaults to math/rand/v2.
	RandSeed func() int64

	ExitCountdownSeconds int
	VacateTimeout        time.Duration
	ForceGrace           time.Duration
	// RestartTimeout bounds how long an accepted restart may take before the
	// cycle is failed. Defaults to DefaultRestartTimeout.
	RestartTimeout time.Duration
	CycleOnDeath   bool
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewOrchestrator(opts NewOrchestratorOptions) *Orchestrator {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	randSeed := opts.RandSeed
	if randSeed == nil {
		randSeed = rand.Int64
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	restartTimeout := opts.RestartTimeout
	if restartTimeout <= 0 {
		restartTimeout = DefaultRestartTimeout
	}
	mode := opts.GenerationMode
	if mode == "" {
		mode = config.GenerationRestart
	}
	o := &Orchestrator{
		ctx:             ctx,
		role:            opts.Role,
		loop:            opts.Loop,
		host:            opts.Host,
		state:           opts.State,
		relocator:       opts.Relocator,
		notifier:        opts.Notifier,
		retirer:         opts.Retirer,
		history:         opts.History,
		logger:          log.With("orchestrator"),
		markerPath:      filepath.Join(opts.DataDir, RestartMarkerFile),
		worldBaseName:   opts.WorldBaseName,
		levelConfigPath: opts.LevelConfigPath,
		generationMode:  mode,
		seed:            opts.Seed,
		randomSeed:      opts.RandomSeed,
		randSeed:        randSeed,
		exitSeconds:     opts.ExitCountdownSeconds,
		vacateTimeout:   opts.VacateTimeout,
		forceGrace:      opts.ForceGrace,
		restartTimeout:  restartTimeout,
		cycleOnDeath:    opts.CycleOnDeath,
		now:             now,
		present:         make(map[uuid.UUID]struct{}),
	}
	// a lobby node plays in a single fixed world
	o.world = o.worldBaseName
	if o.role == types.RoleHardcore {
		o.world = world.Name(o.worldBaseName, o.state.Get().CycleNumber)
	}
	metrics.CycleNumber.Set(float64(o.state.Get().CycleNumber))
	return o
}

func (o *Orchestrator) Phase() Phase {
	return o.phase
}

// CurrentWorld is the world players of this node play in.
func (o *Orchestrator) CurrentWorld() string {
	return o.world
}

// Participants returns how many players joined the current world since the
// last trigger.
func (o *Orchestrator) Participants() int {
	return len(o.present)
}

// Trigger starts a cycle unless one is running, in which case the call is
// logged and ignored. On a lobby node it returns *ErrRoleMismatch.
func (o *Orchestrator) Trigger(requester uuid.UUID) (TriggerResult, error) {
	if o.role != types.RoleHardcore {
		return TriggerResult{}, &ErrRoleMismatch{Role: o.role, Operation: "trigger"}
	}
	current := o.state.Get()
	if current.InProgress || o.phase != PhaseIdle {
		o.logger.Info("Ignoring cycle trigger from %s: cycle %d is %s", requesterName(requester), current.CycleNumber, o.phase)
		metrics.CyclesTotal.WithLabelValues("ignored").Inc()
		return TriggerResult{Started: false, CycleNumber: current.CycleNumber}, nil
	}

	next, err := o.state.Update(func(s *state.CycleState) {
		s.CycleNumber++
		s.AttemptsSinceLastWin++
		s.InProgress = true
		s.LastRequester = requester
	})
	if err != nil {
		// the in-memory state advanced; the next successful write persists it
		o.logger.Error("Failed to persist cycle stats: %v", err)
	}
	metrics.CycleNumber.Set(float64(next.CycleNumber))
	metrics.CyclesTotal.WithLabelValues("started").Inc()

	o.present = make(map[uuid.UUID]struct{})
	o.run = &cycleRun{
		number:    next.CycleNumber,
		oldWorld:  o.world,
		newWorld:  world.Name(o.worldBaseName, next.CycleNumber),
		requester: requester,
		startedAt: o.now(),
		done:      make(chan struct{}),
	}
	o.logger.Info("Starting cycle %d (%s -> %s) requested by %s", next.CycleNumber, o.run.oldWorld, o.run.newWorld, requesterName(requester))
	o.awaitPlayerExit()

	return TriggerResult{Started: true, CycleNumber: next.CycleNumber, Done: o.run.done}, nil
}

// awaitPlayerExit is phase 1 and 2: send everyone to the lobby, then poll
// once a second until the old world is empty. Past the deadline stragglers
// are force-relocated and generation waits out the grace period.
func (o *Orchestrator) awaitPlayerExit() {
	o.phase = PhaseAwaitingPlayerExit
	run := o.run

	o.relocator.ScheduleRelocation(relocation.Cohort{
		Players:     onlineIDs(o.host),
		Seconds:     o.exitSeconds,
		Destination: types.DestinationLobby,
		Requester:   run.requester,
	})

	deadline := time.Duration(o.exitSeconds)*time.Second + o.vacateTimeout
	var waited time.Duration
	o.loop.Every(time.Second, func(t *loop.Timer) {
		waited += time.Second
		stragglers := o.occupants(run.oldWorld)
		if len(stragglers) == 0 {
			t.Cancel()
			o.logger.Info("World %s vacated after %s", run.oldWorld, waited)
			o.generate()
			return
		}
		if waited < deadline {
			return
		}
		t.Cancel()
		o.logger.Warn("%d players still in %s after %s, forcing relocation", len(stragglers), run.oldWorld, waited)
		o.relocator.RelocateNow(stragglers, types.DestinationLobby)
		o.loop.After(o.forceGrace, o.generate)
	})
}

// generate is phase 3.
func (o *Orchestrator) generate() {
	o.phase = PhaseGenerating
	run := o.run
	run.seed = o.pickSeed()

	switch o.generationMode {
	case config.GenerationLegacy:
		if err := o.host.CreateWorld(run.newWorld, run.seed); err != nil {
			o.generationFailed(fmt.Errorf("failed to create world %s: %w", run.newWorld, err))
			return
		}
		o.world = run.newWorld
		o.retirer.Retire(run.oldWorld)
		o.logger.Info("Created world %s in-process", run.newWorld)
		o.relocateIn(models.OutcomeCompleted)
	default:
		o.generateByRestart()
	}
}

// generateByRestart points the level config at the new world and restarts
// the host. The cycle finishes in Resume on the next start.
func (o *Orchestrator) generateByRestart() {
	run := o.run
	marker := restartMarker{
		CycleNumber: run.number,
		World:       run.newWorld,
		Seed:        run.seed,
		Requester:   run.requester,
		StartedAt:   run.startedAt,
	}
	if err := writeMarker(o.markerPath, marker); err != nil {
		o.generationFailed(err)
		return
	}
	if err := world.RewriteProperties(o.levelConfigPath, map[string]string{
		world.LevelNameKey: run.newWorld,
		world.LevelSeedKey: seedString(run.seed),
	}); err != nil {
		o.abortRestart(fmt.Errorf("failed to rewrite level config: %w", err))
		return
	}
	if err := o.host.Restart(); err != nil {
		o.abortRestart(fmt.Errorf("failed to restart host: %w", err))
		return
	}

	// the old world is loaded until the process exits
	o.retirer.Defer(run.oldWorld)
	o.logger.Info("Restarting into %s for cycle %d", run.newWorld, run.number)
	run.finish()

	o.loop.After(o.restartTimeout, func() {
		if o.run != run || o.phase != PhaseGenerating {
			return
		}
		o.abortRestart(fmt.Errorf("host accepted the restart but is still running after %s", o.restartTimeout))
	})
}

func (o *Orchestrator) abortRestart(err error) {
	if rerr := world.RewriteProperties(o.levelConfigPath, map[string]string{
		world.LevelNameKey: o.world,
	}); rerr != nil {
		o.logger.Error("Failed to restore level config to %s: %v", o.world, rerr)
	}
	if rerr := removeMarker(o.markerPath); rerr != nil {
		o.logger.Error("%v", rerr)
	}
	o.generationFailed(err)
}

// generationFailed keeps the cycle number and sends whoever is online to
// the lobby instead of the new world.
func (o *Orchestrator) generationFailed(err error) {
	run := o.run
	o.logger.Error("Generation of %s failed: %v", run.newWorld, err)
	o.phase = PhaseRelocating
	o.relocator.RelocateNow(onlineIDs(o.host), types.DestinationLobby)
	o.complete(models.OutcomeGenerationFailed)
}

// relocateIn is phase 4: tell the lobby and bring local players over.
func (o *Orchestrator) relocateIn(outcome models.CycleOutcome) {
	o.phase = PhaseRelocating
	o.notifier.SendAsync(o.ctx, messages.ActionWorldReady, o.run.requester)
	o.relocator.RelocateNow(onlineIDs(o.host), types.DestinationHardcore)
	o.complete(outcome)
}

func (o *Orchestrator) complete(outcome models.CycleOutcome) {
	run := o.run
	if _, err := o.state.Update(func(s *state.CycleState) {
		s.InProgress = false
	}); err != nil {
		o.logger.Error("Failed to persist cycle state: %v", err)
	}
	o.record(run, outcome)
	metrics.CyclesTotal.WithLabelValues(string(outcome)).Inc()
	o.logger.Info("Cycle %d finished: %s", run.number, outcome)

	o.phase = PhaseIdle
	o.run = nil
	run.finish()
}

func (o *Orchestrator) record(run *cycleRun, outcome models.CycleOutcome) {
	if o.history == nil {
		return
	}
	c := &models.Cycle{
		CycleNumber: run.number,
		World:       run.newWorld,
		Seed:        run.seed,
		Outcome:     outcome,
		StartedAt:   run.startedAt,
		FinishedAt:  o.now(),
	}
	if run.requester != uuid.Nil {
		c.Requester = run.requester.String()
	}
	o.history.RecordCycle(c)
}

// Resume finishes a cycle interrupted by the generation restart. It reports
// whether one was pending.
func (o *Orchestrator) Resume() (bool, error) {
	marker, err := readMarker(o.markerPath)
	if err != nil || marker == nil {
		return false, err
	}
	if o.role != types.RoleHardcore {
		o.logger.Warn("Ignoring restart marker on a %s node", o.role)
		return false, removeMarker(o.markerPath)
	}

	o.logger.Info("Resuming cycle %d in %s after restart", marker.CycleNumber, marker.World)
	o.world = marker.World
	o.run = &cycleRun{
		number:    marker.CycleNumber,
		newWorld:  marker.World,
		seed:      marker.Seed,
		requester: marker.Requester,
		startedAt: marker.StartedAt,
		done:      make(chan struct{}),
	}
	o.relocateIn(models.OutcomeRestarted)
	return true, removeMarker(o.markerPath)
}

// SetCycleNumber overrides the persisted cycle number.
func (o *Orchestrator) SetCycleNumber(n int) (state.CycleState, error) {
	if n < 1 {
		return o.state.Get(), fmt.Errorf("cycle number must be at least 1, got %d", n)
	}
	if o.phase != PhaseIdle {
		return o.state.Get(), ErrCycleInProgress
	}
	s, err := o.state.Update(func(s *state.CycleState) {
		s.CycleNumber = n
	})
	metrics.CycleNumber.Set(float64(s.CycleNumber))
	return s, err
}

// RecordWin resets the attempt counter and counts the win.
func (o *Orchestrator) RecordWin() (state.CycleState, error) {
	s, err := o.state.Update(func(s *state.CycleState) {
		s.AttemptsSinceLastWin = 0
		s.TotalWins++
	})
	if err == nil {
		o.logger.Info("Win recorded, %d total", s.TotalWins)
	}
	return s, err
}

// HandlePlayerJoin counts players entering the current world.
func (o *Orchestrator) HandlePlayerJoin(id uuid.UUID, worldName string) {
	if world.Contains(o.world, worldName) {
		o.present[id] = struct{}{}
	}
}

// HandlePlayerDeath triggers a cycle for a death in the current world when
// cycle_on_death is set.
func (o *Orchestrator) HandlePlayerDeath(id uuid.UUID, worldName string) {
	if !o.cycleOnDeath || o.role != types.RoleHardcore || o.phase != PhaseIdle {
		return
	}
	if !world.Contains(o.world, worldName) {
		return
	}
	if _, err := o.Trigger(id); err != nil {
		o.logger.Error("Failed to trigger cycle on death: %v", err)
	}
}

func (o *Orchestrator) pickSeed() *int64 {
	if o.randomSeed {
		s := o.randSeed()
		return &s
	}
	if o.seed != 0 {
		s := o.seed
		return &s
	}
	return nil
}

func (o *Orchestrator) occupants(name string) []uuid.UUID {
	var ids []uuid.UUID
	for _, p := range o.host.OnlinePlayers() {
		if world.Contains(name, p.World()) {
			ids = append(ids, p.ID())
		}
	}
	return ids
}

func seedString(seed *int64) string {
	if seed == nil {
		return ""
	}
	return strconv.FormatInt(*seed, 10)
}

func requesterName(id uuid.UUID) string {
	if id == uuid.Nil {
		return "console"
	}
	return id.String()
}
