package relocation

import (
	"errors"
	"fmt"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/game/types"
	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/loop"
	"github.com/cbodonnell/worldcycle/pkg/metrics"
	"github.com/cbodonnell/worldcycle/pkg/platform"
	"github.com/google/uuid"
)

// ErrPlayerUnavailable is returned when a dead player could not be prepared
// for a relocation; the move stays pending.
var ErrPlayerUnavailable = errors.New("player unavailable for relocation")

// Cohort is the input of one scheduled relocation.
type Cohort struct {
	Players     []uuid.UUID
	Seconds     int
	Destination types.Destination
	// Requester narrows the cohort when the scheduler scopes to requesters.
	Requester uuid.UUID
}

// Scheduler runs relocation countdowns and deferred moves. Every method
// except the hooks' deferred work must be called on the main loop.
type Scheduler struct {
	loop             *loop.Loop
	host             platform.Host
	mover            Mover
	store            *PendingMoveStore
	scopeToRequester bool
	logger           *log.Logger

	dead       map[uuid.UUID]bool
	countdowns int
}

type NewSchedulerOptions struct {
	Loop             *loop.Loop
	Host             platform.Host
	Mover            Mover
	Store            *PendingMoveStore
	ScopeToRequester bool
}

func NewScheduler(opts NewSchedulerOptions) *Scheduler {
	return &Scheduler{
		loop:             opts.Loop,
		host:             opts.Host,
		mover:            opts.Mover,
		store:            opts.Store,
		scopeToRequester: opts.ScopeToRequester,
		logger:           log.With("relocation"),
		dead:             make(map[uuid.UUID]bool),
	}
}

// ActiveCountdowns returns the number of countdowns still running.
func (s *Scheduler) ActiveCountdowns() int {
	return s.countdowns
}

// ScheduleRelocation relocates the cohort after a visible countdown, or at
// once when Seconds is zero. Members are marked pending until a relocation
// attempt for them succeeds.
func (s *Scheduler) ScheduleRelocation(c Cohort) {
	players := s.scope(c)
	if len(players) == 0 {
		s.logger.Debug("Nothing to relocate to %s", c.Destination)
		return
	}
	if c.Seconds <= 0 {
		s.RelocateNow(players, c.Destination)
		return
	}

	for _, id := range players {
		s.store.Add(id, c.Destination)
	}
	s.save()

	s.logger.Info("Relocating %d players to %s in %ds", len(players), c.Destination, c.Seconds)
	s.notify(players, c.Destination, c.Seconds)

	remaining := c.Seconds
	s.countdowns++
	s.loop.Every(time.Second, func(timer *loop.Timer) {
		remaining--
		if remaining > 0 {
			s.notify(players, c.Destination, remaining)
			return
		}
		timer.Cancel()
		s.countdowns--
		s.expire(players, c.Destination)
	})
}

// scope applies the requester-only policy: the requester alone when present
// in the cohort and online, otherwise the whole cohort.
func (s *Scheduler) scope(c Cohort) []uuid.UUID {
	if !s.scopeToRequester || c.Requester == uuid.Nil {
		return c.Players
	}
	for _, id := range c.Players {
		if id != c.Requester {
			continue
		}
		if _, online := s.host.Player(id); online {
			return []uuid.UUID{id}
		}
	}
	return c.Players
}

func (s *Scheduler) notify(players []uuid.UUID, dest types.Destination, remaining int) {
	for _, id := range players {
		if p, ok := s.host.Player(id); ok {
			p.SendActionBar(fmt.Sprintf("Moving to %s in %ds", dest, remaining))
		}
	}
}

// expire relocates every live member. Dead or offline members keep their
// marker; the respawn hook resolves them.
func (s *Scheduler) expire(players []uuid.UUID, dest types.Destination) {
	for _, id := range players {
		p, online := s.host.Player(id)
		if !online {
			s.logger.Debug("Player %s went offline before relocation to %s", id, dest)
			continue
		}
		if s.dead[id] {
			s.logger.Info("Deferring relocation of %s to %s until respawn", p.Name(), dest)
			metrics.RelocationsTotal.WithLabelValues(dest.String(), "deferred").Inc()
			continue
		}
		if err := s.relocate(p, dest); err != nil {
			s.logger.Warn("Failed to relocate %s to %s: %v", p.Name(), dest, err)
			continue
		}
		// a completed move supersedes older intents
		s.store.Clear(id)
	}
	s.save()
}

// RelocateNow attempts every player immediately. Players that cannot be
// moved are marked pending.
func (s *Scheduler) RelocateNow(players []uuid.UUID, dest types.Destination) {
	for _, id := range players {
		p, online := s.host.Player(id)
		if !online {
			continue
		}
		if err := s.relocate(p, dest); err != nil {
			s.logger.Warn("Failed to relocate %s to %s, marking pending: %v", p.Name(), dest, err)
			s.store.Add(id, dest)
			continue
		}
		s.store.Clear(id)
	}
	s.save()
}

// relocate moves p. A dead player is first switched to spectator so the move
// can land; if that fails the move is re-marked pending.
func (s *Scheduler) relocate(p platform.Player, dest types.Destination) error {
	if s.dead[p.ID()] {
		if err := p.SetSpectator(); err != nil {
			s.store.Add(p.ID(), dest)
			metrics.RelocationsTotal.WithLabelValues(dest.String(), "deferred").Inc()
			return fmt.Errorf("%w: %v", ErrPlayerUnavailable, err)
		}
	}
	if err := s.mover.Move(p, dest); err != nil {
		metrics.RelocationsTotal.WithLabelValues(dest.String(), "failed").Inc()
		return err
	}
	metrics.RelocationsTotal.WithLabelValues(dest.String(), "ok").Inc()
	return nil
}

// HandlePlayerDeath records that id cannot be relocated normally.
func (s *Scheduler) HandlePlayerDeath(id uuid.UUID) {
	s.dead[id] = true
}

// HandlePlayerRespawn marks id alive and retries its pending moves on the
// next tick, never inside the respawn callback.
func (s *Scheduler) HandlePlayerRespawn(id uuid.UUID) {
	delete(s.dead, id)
	s.loop.Post(func() {
		s.retryPending(id)
	})
}

// HandlePlayerQuit forgets transient liveness; pending markers persist.
func (s *Scheduler) HandlePlayerQuit(id uuid.UUID) {
	delete(s.dead, id)
}

// IsDead reports the scheduler's view of the player.
func (s *Scheduler) IsDead(id uuid.UUID) bool {
	return s.dead[id]
}

// RetryPending retries the markers of every online player, as after a restart.
func (s *Scheduler) RetryPending() {
	for _, p := range s.host.OnlinePlayers() {
		if len(s.store.Destinations(p.ID())) > 0 {
			s.retryPending(p.ID())
		}
	}
}

func (s *Scheduler) retryPending(id uuid.UUID) {
	dests := s.store.Destinations(id)
	if len(dests) == 0 {
		return
	}
	p, online := s.host.Player(id)
	if !online {
		return
	}
	changed := false
	for _, dest := range dests {
		if err := s.relocate(p, dest); err != nil {
			s.logger.Warn("Deferred relocation of %s to %s failed: %v", p.Name(), dest, err)
			continue
		}
		s.logger.Info("Completed deferred relocation of %s to %s", p.Name(), dest)
		s.store.Remove(id, dest)
		changed = true
	}
	if changed {
		s.save()
	}
}

func (s *Scheduler) save() {
	if err := s.store.Save(); err != nil {
		s.logger.Error("Failed to persist pending moves: %v", err)
	}
}
