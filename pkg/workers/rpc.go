package workers

import (
	"context"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/queue"
)

// QueueRetrier is implemented by rpc.Client.
type QueueRetrier interface {
	RetryQueued(ctx context.Context) (queue.RetryResult, error)
}

// QueueRetryWorker gives persisted RPCs another attempt every interval.
type QueueRetryWorker struct {
	retrier  QueueRetrier
	interval time.Duration
}

type NewQueueRetryWorkerOptions struct {
	Retrier  QueueRetrier
	Interval time.Duration
}

func NewQueueRetryWorker(opts NewQueueRetryWorkerOptions) *QueueRetryWorker {
	return &QueueRetryWorker{
		retrier:  opts.Retrier,
		interval: opts.Interval,
	}
}

func (w *QueueRetryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.retrier.RetryQueued(ctx); err != nil {
				log.Error("Failed to retry queued RPCs: %v", err)
			}
		}
	}
}

// OutboundDrainer is implemented by rpc.Client.
type OutboundDrainer interface {
	DrainOutbound(ctx context.Context) int
}

// OutboundDrainWorker retries queued relay frames every interval.
type OutboundDrainWorker struct {
	drainer  OutboundDrainer
	interval time.Duration
}

type NewOutboundDrainWorkerOptions struct {
	Drainer  OutboundDrainer
	Interval time.Duration
}

func NewOutboundDrainWorker(opts NewOutboundDrainWorkerOptions) *OutboundDrainWorker {
	return &OutboundDrainWorker{
		drainer:  opts.Drainer,
		interval: opts.Interval,
	}
}

func (w *OutboundDrainWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sent := w.drainer.DrainOutbound(ctx); sent > 0 {
				log.Info("Drained %d queued relay frames", sent)
			}
		}
	}
}
