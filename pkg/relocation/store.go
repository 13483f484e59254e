package relocation

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/cbodonnell/worldcycle/pkg/files"
	"github.com/cbodonnell/worldcycle/pkg/game/types"
	"github.com/cbodonnell/worldcycle/pkg/metrics"
	"github.com/google/uuid"
)

const PendingMovesFile = "pending-moves.json"

type pendingMovesFile struct {
	Lobby    []uuid.UUID `json:"lobby"`
	Hardcore []uuid.UUID `json:"hardcore"`
}

// PendingMoveStore is the durable set of deferred relocations, one id set
// per destination. Inserts are idempotent.
type PendingMoveStore struct {
	path   string
	writer files.Writer

	lock  sync.RWMutex
	moves map[types.Destination]map[uuid.UUID]struct{}
}

type NewPendingMoveStoreOptions struct {
	Path string
	// Writer defaults to files.Direct.
	Writer files.Writer
}

func NewPendingMoveStore(opts NewPendingMoveStoreOptions) *PendingMoveStore {
	writer := opts.Writer
	if writer == nil {
		writer = files.Direct
	}
	return &PendingMoveStore{
		path:   opts.Path,
		writer: writer,
		moves: map[types.Destination]map[uuid.UUID]struct{}{
			types.DestinationLobby:    {},
			types.DestinationHardcore: {},
		},
	}
}

// Add marks id for dest. It reports whether the marker is new.
func (s *PendingMoveStore) Add(id uuid.UUID, dest types.Destination) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	set, ok := s.moves[dest]
	if !ok {
		return false
	}
	if _, exists := set[id]; exists {
		return false
	}
	set[id] = struct{}{}
	return true
}

// Remove clears the marker. It reports whether one existed.
func (s *PendingMoveStore) Remove(id uuid.UUID, dest types.Destination) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	set, ok := s.moves[dest]
	if !ok {
		return false
	}
	if _, exists := set[id]; !exists {
		return false
	}
	delete(set, id)
	return true
}

// Clear drops every marker of id. It reports whether any existed.
func (s *PendingMoveStore) Clear(id uuid.UUID) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	cleared := false
	for _, set := range s.moves {
		if _, exists := set[id]; exists {
			delete(set, id)
			cleared = true
		}
	}
	return cleared
}

func (s *PendingMoveStore) Has(id uuid.UUID, dest types.Destination) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	_, ok := s.moves[dest][id]
	return ok
}

// Destinations lists the destinations id is marked for, lobby first.
func (s *PendingMoveStore) Destinations(id uuid.UUID) []types.Destination {
	s.lock.RLock()
	defer s.lock.RUnlock()
	var out []types.Destination
	for _, dest := range []types.Destination{types.DestinationLobby, types.DestinationHardcore} {
		if _, ok := s.moves[dest][id]; ok {
			out = append(out, dest)
		}
	}
	return out
}

// IDs returns the sorted ids marked for dest.
func (s *PendingMoveStore) IDs(dest types.Destination) []uuid.UUID {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return sortedIDs(s.moves[dest])
}

func (s *PendingMoveStore) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	n := 0
	for _, set := range s.moves {
		n += len(set)
	}
	return n
}

// Load replaces the in-memory sets with the file contents. A missing file is empty.
func (s *PendingMoveStore) Load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read pending moves %s: %w", s.path, err)
	}
	var f pendingMovesFile
	if len(b) > 0 {
		if err := json.Unmarshal(b, &f); err != nil {
			return fmt.Errorf("failed to unmarshal pending moves %s: %w", s.path, err)
		}
	}

	s.lock.Lock()
	defer s.lock.Unlock()
	s.moves[types.DestinationLobby] = toSet(f.Lobby)
	s.moves[types.DestinationHardcore] = toSet(f.Hardcore)
	return nil
}

// Save writes both id lists.
func (s *PendingMoveStore) Save() error {
	s.lock.RLock()
	f := pendingMovesFile{
		Lobby:    sortedIDs(s.moves[types.DestinationLobby]),
		Hardcore: sortedIDs(s.moves[types.DestinationHardcore]),
	}
	s.lock.RUnlock()

	metrics.PendingMoves.WithLabelValues(types.DestinationLobby.String()).Set(float64(len(f.Lobby)))
	metrics.PendingMoves.WithLabelValues(types.DestinationHardcore.String()).Set(float64(len(f.Hardcore)))

	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal pending moves: %w", err)
	}
	if err := s.writer.Write(s.path, b); err != nil {
		return fmt.Errorf("failed to save pending moves: %w", err)
	}
	return nil
}

func toSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
