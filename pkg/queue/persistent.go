package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/files"
	"github.com/cbodonnell/worldcycle/pkg/log"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/google/uuid"
)

const (
	DefaultTTL = 24 * time.Hour
	// QueueFile is the queue's file name in the data directory.
	QueueFile = "rpc-queue.json"
)

// QueuedRPC is an undelivered peer call. Payload is opaque to the queue and
// is stored base64 encoded.
type QueuedRPC struct {
	ID         uuid.UUID       `json:"id"`
	Payload    []byte          `json:"payload"`
	Action     messages.Action `json:"action"`
	Caller     string          `json:"caller"`
	EnqueuedAt int64           `json:"enqueuedAt"`
	Attempts   int             `json:"attempts"`
}

// Expired reports whether the entry outlived ttl at now.
func (e QueuedRPC) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(time.UnixMilli(e.EnqueuedAt)) > ttl
}

// DeliverFunc makes one delivery attempt.
type DeliverFunc func(entry QueuedRPC) error

// RetryResult summarises one RetryAll pass.
type RetryResult struct {
	Delivered int
	Expired   int
	Failed    int
}

// PersistentQueue is a TTL and capacity bounded store of undelivered RPCs.
// Every mutation is flushed to disk before the call returns.
type PersistentQueue struct {
	path     string
	ttl      time.Duration
	capacity int
	now      func() time.Time
	logger   *log.Logger

	lock     sync.Mutex
	entries  []QueuedRPC
	retrying bool
}

type NewPersistentQueueOptions struct {
	Path     string
	TTL      time.Duration
	Capacity int
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewPersistentQueue(opts NewPersistentQueueOptions) *PersistentQueue {
	q := &PersistentQueue{
		path:     opts.Path,
		ttl:      opts.TTL,
		capacity: opts.Capacity,
		now:      opts.Now,
		logger:   log.With("rpc-queue"),
	}
	if q.ttl <= 0 {
		q.ttl = DefaultTTL
	}
	if q.capacity <= 0 {
		q.capacity = DefaultCapacity
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

// Load replaces the in-memory entries with the file contents, discarding
// entries that already expired. A missing file is an empty queue.
func (q *PersistentQueue) Load() error {
	b, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read rpc queue %s: %w", q.path, err)
	}
	var loaded []QueuedRPC
	if len(b) > 0 {
		if err := json.Unmarshal(b, &loaded); err != nil {
			return fmt.Errorf("failed to unmarshal rpc queue %s: %w", q.path, err)
		}
	}

	now := q.now()
	q.lock.Lock()
	defer q.lock.Unlock()
	q.entries = q.entries[:0]
	for _, entry := range loaded {
		if entry.Expired(now, q.ttl) {
			q.logger.Debug("Discarding expired %s rpc from %s", entry.Action, q.path)
			continue
		}
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		q.entries = append(q.entries, entry)
	}
	q.trim()
	return nil
}

// Enqueue appends a call and flushes.
func (q *PersistentQueue) Enqueue(payload []byte, action messages.Action, caller string) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.entries = append(q.entries, QueuedRPC{
		ID:         uuid.New(),
		Payload:    append([]byte(nil), payload...),
		Action:     action,
		Caller:     caller,
		EnqueuedAt: q.now().UnixMilli(),
	})
	q.trim()
	return q.flush()
}

// Len returns the number of queued entries.
func (q *PersistentQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queued entries, oldest first.
func (q *PersistentQueue) Entries() []QueuedRPC {
	q.lock.Lock()
	defer q.lock.Unlock()
	return append([]QueuedRPC(nil), q.entries...)
}

// RetryAll discards expired entries and makes exactly one delivery attempt
// per remaining entry. Delivery runs without holding the lock so Enqueue is
// never blocked by the network. Overlapping passes are skipped.
func (q *PersistentQueue) RetryAll(deliver DeliverFunc) (RetryResult, error) {
	var result RetryResult

	q.lock.Lock()
	if q.retrying {
		q.lock.Unlock()
		return result, nil
	}
	q.retrying = true
	now := q.now()
	var due []QueuedRPC
	live := q.entries[:0]
	for _, entry := range q.entries {
		if entry.Expired(now, q.ttl) {
			result.Expired++
			continue
		}
		live = append(live, entry)
		due = append(due, entry)
	}
	q.entries = live
	q.lock.Unlock()

	delivered := make(map[uuid.UUID]bool, len(due))
	for _, entry := range due {
		if err := deliver(entry); err != nil {
			q.logger.Debug("Retry of %s rpc %s failed: %v", entry.Action, entry.ID, err)
			result.Failed++
			continue
		}
		delivered[entry.ID] = true
		result.Delivered++
	}

	q.lock.Lock()
	defer q.lock.Unlock()
	q.retrying = false
	attempted := make(map[uuid.UUID]bool, len(due))
	for _, entry := range due {
		attempted[entry.ID] = true
	}
	kept := q.entries[:0]
	for _, entry := range q.entries {
		if delivered[entry.ID] {
			continue
		}
		if attempted[entry.ID] {
			entry.Attempts++
		}
		kept = append(kept, entry)
	}
	q.entries = kept
	if len(due) == 0 && result.Expired == 0 {
		return result, nil
	}
	return result, q.flush()
}

// trim drops the oldest entries beyond capacity. Caller holds the lock.
func (q *PersistentQueue) trim() {
	if over := len(q.entries) - q.capacity; over > 0 {
		q.logger.Warn("RPC queue full, dropping %d oldest entries", over)
		q.entries = append([]QueuedRPC(nil), q.entries[over:]...)
	}
}

// flush writes the whole queue. Caller holds the lock.
func (q *PersistentQueue) flush() error {
	entries := q.entries
	if entries == nil {
		entries = []QueuedRPC{}
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal rpc queue: %w", err)
	}
	if err := files.WriteAtomic(q.path, b); err != nil {
		return fmt.Errorf("failed to flush rpc queue: %w", err)
	}
	return nil
}
