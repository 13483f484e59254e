package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/files"
	"github.com/cbodonnell/worldcycle/pkg/log"
)

const DefaultSaveRetryDelay = time.Second

// SaveWorker is a files.Writer that moves disk writes off the main loop.
// Writes to the same path coalesce: only the newest bytes are written.
// Failed writes are retried every retry delay until they land.
type SaveWorker struct {
	write      func(path string, data []byte) error
	retryDelay time.Duration
	notify     chan struct{}
	logger     *log.Logger

	lock     sync.Mutex
	pending  map[string][]byte
	order    []string
	failures map[string]error
}

type NewSaveWorkerOptions struct {
	// Write defaults to files.WriteAtomic.
	Write func(path string, data []byte) error
	// RetryDelay defaults to DefaultSaveRetryDelay.
	RetryDelay time.Duration
}

// NewSaveWorker creates a new SaveWorker.
// Stores hand it snapshots from the main loop and the worker flushes them
// to disk in the order the paths were first queued.
func NewSaveWorker(opts NewSaveWorkerOptions) *SaveWorker {
	write := opts.Write
	if write == nil {
		write = files.WriteAtomic
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultSaveRetryDelay
	}
	return &SaveWorker{
		write:      write,
		retryDelay: retryDelay,
		notify:     make(chan struct{}, 1),
		logger:     log.With("save-worker"),
		pending:    make(map[string][]byte),
		failures:   make(map[string]error),
	}
}

var _ files.Writer = (*SaveWorker)(nil)

// Write queues data for path. It never blocks on the disk. While an earlier
// write of path is failing, data is still queued and the failure is returned.
func (w *SaveWorker) Write(path string, data []byte) error {
	w.lock.Lock()
	if _, queued := w.pending[path]; !queued {
		w.order = append(w.order, path)
	}
	w.pending[path] = append([]byte(nil), data...)
	failure := w.failures[path]
	w.lock.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	if failure != nil {
		return fmt.Errorf("write of %s is failing, queued for retry: %w", path, failure)
	}
	return nil
}

func (w *SaveWorker) Start(ctx context.Context) {
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.Flush()
			return
		case <-w.notify:
		case <-retry:
		}
		w.Flush()
		retry = nil
		if w.Pending() > 0 {
			retry = time.After(w.retryDelay)
		}
	}
}

// Flush writes everything queued so far. A failed path stays queued unless
// a newer snapshot replaced it meanwhile.
func (w *SaveWorker) Flush() int {
	w.lock.Lock()
	pending, order := w.pending, w.order
	w.pending = make(map[string][]byte)
	w.order = nil
	w.lock.Unlock()

	written := 0
	for _, path := range order {
		data := pending[path]
		if err := w.write(path, data); err != nil {
			w.logger.Error("Failed to write %s: %v", path, err)
			w.requeue(path, data, err)
			continue
		}
		w.lock.Lock()
		delete(w.failures, path)
		w.lock.Unlock()
		written++
	}
	return written
}

func (w *SaveWorker) requeue(path string, data []byte, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.failures[path] = err
	if _, newer := w.pending[path]; newer {
		return
	}
	w.pending[path] = data
	w.order = append(w.order, path)
}

// Pending returns the number of paths waiting for a write.
func (w *SaveWorker) Pending() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return len(w.pending)
}
