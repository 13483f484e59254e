package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cbodonnell/worldcycle/pkg/files"
	"github.com/cbodonnell/worldcycle/pkg/log"
)

const LedgerFile = "retire-ledger.json"

// Retirer removes old world folders off the main loop. A world that cannot be
// removed, or that is still loaded, is written to a ledger retried at start.
type Retirer struct {
	container  string
	ledgerPath string
	archiver   *Archiver
	remove     func(path string) error
	logger     *log.Logger

	lock   sync.Mutex
	ledger []string
	wg     sync.WaitGroup
}

type NewRetirerOptions struct {
	// Container is the directory holding world folders.
	Container  string
	LedgerPath string
	// Archiver is optional.
	Archiver *Archiver
	// Remove defaults to os.RemoveAll.
	Remove func(path string) error
}

func NewRetirer(opts NewRetirerOptions) *Retirer {
	remove := opts.Remove
	if remove == nil {
		remove = os.RemoveAll
	}
	return &Retirer{
		container:  opts.Container,
		ledgerPath: opts.LedgerPath,
		archiver:   opts.Archiver,
		remove:     remove,
		logger:     log.With("retirer"),
	}
}

// Retire deletes world in the background. Failures go to the ledger.
func (r *Retirer) Retire(world string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.delete(world); err != nil {
			r.logger.Warn("Failed to retire %s, deferring to next start: %v", world, err)
			r.Defer(world)
		}
	}()
}

// Defer records world for deletion at the next start, for worlds the host
// still has loaded.
func (r *Retirer) Defer(world string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, w := range r.ledger {
		if w == world {
			return
		}
	}
	r.ledger = append(r.ledger, world)
	if err := r.flush(); err != nil {
		r.logger.Error("Failed to write retire ledger: %v", err)
	}
}

// Wait blocks until background retirements finish.
func (r *Retirer) Wait() {
	r.wg.Wait()
}

// Pending returns the worlds in the ledger.
func (r *Retirer) Pending() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.ledger...)
}

// RetryLedger loads the ledger and deletes every listed world except keep,
// the world about to be loaded. It returns the worlds removed.
func (r *Retirer) RetryLedger(keep string) ([]string, error) {
	b, err := os.ReadFile(r.ledgerPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read retire ledger: %w", err)
	}
	var worlds []string
	if len(b) > 0 {
		if err := json.Unmarshal(b, &worlds); err != nil {
			return nil, fmt.Errorf("failed to unmarshal retire ledger: %w", err)
		}
	}

	var removed, remaining []string
	for _, world := range worlds {
		if world == keep {
			continue
		}
		if err := r.delete(world); err != nil {
			r.logger.Warn("Retry of %s retirement failed: %v", world, err)
			remaining = append(remaining, world)
			continue
		}
		removed = append(removed, world)
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.ledger = remaining
	return removed, r.flush()
}

// delete removes world and its dimension folders (world_nether,
// world_the_end) from the container.
func (r *Retirer) delete(world string) error {
	dir := filepath.Join(r.container, world)
	if r.archiver != nil {
		if err := r.archiver.Archive(world, dir); err != nil {
			r.logger.Warn("Failed to archive %s: %v", world, err)
		}
	}

	folders, err := r.folders(world)
	if err != nil {
		return err
	}
	var errs []error
	for _, folder := range folders {
		if err := r.remove(filepath.Join(r.container, folder)); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", folder, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	r.logger.Info("Retired world %s (%d folders)", world, len(folders))
	return nil
}

// folders lists the container directories that belong to world.
func (r *Retirer) folders(world string) ([]string, error) {
	entries, err := os.ReadDir(r.container)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", r.container, err)
	}
	var folders []string
	for _, entry := range entries {
		if entry.IsDir() && Contains(world, entry.Name()) {
			folders = append(folders, entry.Name())
		}
	}
	return folders, nil
}

// flush writes the ledger. Caller holds the lock.
func (r *Retirer) flush() error {
	ledger := r.ledger
	if ledger == nil {
		ledger = []string{}
	}
	b, err := json.Marshal(ledger)
	if err != nil {
		return err
	}
	return files.WriteAtomic(r.ledgerPath, b)
}
