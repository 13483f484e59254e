package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cbodonnell/worldcycle/pkg/files"
	"github.com/cbodonnell/worldcycle/pkg/log"
)

const (
	CycleNumberFile = "cycle-number.txt"
	StatsFile       = "cycle-stats.txt"
)

// FileStateManager keeps CycleState in memory and writes both files whole
// after every mutation. InProgress and LastRequester are process-local.
type FileStateManager struct {
	numberPath string
	statsPath  string
	writer     files.Writer
	logger     *log.Logger

	lock  sync.RWMutex
	state CycleState
}

type NewFileStateManagerOptions struct {
	Dir string
	// Writer defaults to files.Direct.
	Writer files.Writer
}

func NewFileStateManager(opts NewFileStateManagerOptions) *FileStateManager {
	writer := opts.Writer
	if writer == nil {
		writer = files.Direct
	}
	return &FileStateManager{
		numberPath: filepath.Join(opts.Dir, CycleNumberFile),
		statsPath:  filepath.Join(opts.Dir, StatsFile),
		writer:     writer,
		logger:     log.With("state"),
		state:      Default(),
	}
}

// Load reads both files. Missing or corrupt files fall back to the defaults
// for the values they hold.
func (m *FileStateManager) Load() CycleState {
	loaded := Default()

	if n, err := readInts(m.numberPath, 1); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("Ignoring unreadable cycle number file: %v", err)
		}
	} else if n[0] >= 1 {
		loaded.CycleNumber = n[0]
	} else {
		m.logger.Warn("Ignoring invalid cycle number %d", n[0])
	}

	if stats, err := readInts(m.statsPath, 2); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("Ignoring unreadable stats file: %v", err)
		}
	} else if stats[0] >= 0 && stats[1] >= 0 {
		loaded.AttemptsSinceLastWin = stats[0]
		loaded.TotalWins = stats[1]
	} else {
		m.logger.Warn("Ignoring negative stats %v", stats)
	}

	m.lock.Lock()
	m.state = loaded
	m.lock.Unlock()
	return loaded
}

func (m *FileStateManager) Get() CycleState {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.state
}

// Update applies fn to the state and persists it. The in-memory state keeps
// the mutation even when the write fails.
func (m *FileStateManager) Update(fn func(s *CycleState)) (CycleState, error) {
	m.lock.Lock()
	fn(&m.state)
	snapshot := m.state
	m.lock.Unlock()
	return snapshot, m.save(snapshot)
}

// Save persists the current state, as on shutdown.
func (m *FileStateManager) Save() error {
	return m.save(m.Get())
}

func (m *FileStateManager) save(s CycleState) error {
	if err := m.writer.Write(m.numberPath, []byte(fmt.Sprintf("%d\n", s.CycleNumber))); err != nil {
		return fmt.Errorf("failed to save cycle number: %w", err)
	}
	stats := fmt.Sprintf("%d\n%d\n", s.AttemptsSinceLastWin, s.TotalWins)
	if err := m.writer.Write(m.statsPath, []byte(stats)); err != nil {
		return fmt.Errorf("failed to save cycle stats: %w", err)
	}
	return nil
}

func readInts(path string, count int) ([]int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(b))
	if len(fields) < count {
		return nil, fmt.Errorf("%s: expected %d integers, found %d", path, count, len(fields))
	}
	out := make([]int, count)
	for i := 0; i < count; i++ {
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out[i] = n
	}
	return out, nil
}
