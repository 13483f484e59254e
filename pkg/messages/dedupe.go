package messages

import (
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"
)

const (
	DefaultDedupeTTL     = 24 * time.Hour
	DefaultDedupeEntries = 4096
)

// Dedupe remembers recently dispatched message ids so a redelivered message
// is answered without running its action again. The oldest ids are evicted
// first once MaxEntries is reached.
type Dedupe struct {
	ttl time.Duration
	now func() time.Time

	lock sync.Mutex
	seen *lru.Cache
}

type NewDedupeOptions struct {
	TTL        time.Duration
	MaxEntries int
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewDedupe(opts NewDedupeOptions) *Dedupe {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	entries := opts.MaxEntries
	if entries <= 0 {
		entries = DefaultDedupeEntries
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dedupe{
		ttl:  ttl,
		now:  now,
		seen: lru.New(entries),
	}
}

// Seen records m and reports whether its id was already recorded within the
// TTL. Messages without an id are never duplicates.
func (d *Dedupe) Seen(m Message) bool {
	if m.ID == uuid.Nil {
		return false
	}
	d.lock.Lock()
	defer d.lock.Unlock()

	now := d.now()
	if v, ok := d.seen.Get(m.ID); ok {
		if now.Sub(v.(time.Time)) < d.ttl {
			return true
		}
	}
	d.seen.Add(m.ID, now)
	return false
}

// Forget drops id so a retry of a failed dispatch runs again.
func (d *Dedupe) Forget(id uuid.UUID) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.seen.Remove(id)
}

func (d *Dedupe) Len() int {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.seen.Len()
}
