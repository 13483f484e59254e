package workers

import (
	"context"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/repositories"
	"github.com/cbodonnell/worldcycle/pkg/repositories/models"
)

const DefaultHistoryBuffer = 64

// HistoryWorker writes finished cycles to the repository off the main loop.
type HistoryWorker struct {
	repository repositories.Repository
	cycles     chan *models.Cycle
	logger     *log.Logger
}

type NewHistoryWorkerOptions struct {
	Repository repositories.Repository
	// Buffer defaults to DefaultHistoryBuffer.
	Buffer int
}

func NewHistoryWorker(opts NewHistoryWorkerOptions) *HistoryWorker {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultHistoryBuffer
	}
	return &HistoryWorker{
		repository: opts.Repository,
		cycles:     make(chan *models.Cycle, buffer),
		logger:     log.With("history-worker"),
	}
}

// RecordCycle queues c. A full buffer drops the record.
func (w *HistoryWorker) RecordCycle(c *models.Cycle) {
	select {
	case w.cycles <- c:
	default:
		w.logger.Warn("History buffer full, dropping cycle %d", c.CycleNumber)
	}
}

func (w *HistoryWorker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case c := <-w.cycles:
			if ctx.Err() != nil {
				w.drain(c)
				return
			}
			w.save(ctx, c)
		}
	}
}

// drain saves first and whatever is still buffered at shutdown.
func (w *HistoryWorker) drain(first ...*models.Cycle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range first {
		w.save(ctx, c)
	}
	for {
		select {
		case c := <-w.cycles:
			w.save(ctx, c)
		default:
			return
		}
	}
}

func (w *HistoryWorker) save(ctx context.Context, c *models.Cycle) {
	if err := w.repository.SaveCycle(ctx, c); err != nil {
		w.logger.Error("Failed to save cycle %d: %v", c.CycleNumber, err)
		return
	}
	w.logger.Debug("Saved cycle %d as %d", c.CycleNumber, c.ID)
}
