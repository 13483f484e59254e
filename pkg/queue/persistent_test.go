package queue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func newTestQueue(t *testing.T, clock *fakeClock, capacity int) *PersistentQueue {
	t.Helper()
	return NewPersistentQueue(NewPersistentQueueOptions{
		Path:     filepath.Join(t.TempDir(), "rpc-queue.json"),
		TTL:      24 * time.Hour,
		Capacity: capacity,
		Now:      clock.Now,
	})
}

func TestPersistentQueue_ReloadDropsExpiredAndKeepsBytes(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock, 100)

	require.NoError(t, q.Enqueue([]byte{0x00, 0xff, 0x10}, messages.ActionBeginCycle, ""))
	clock.t = clock.t.Add(20 * time.Hour)
	binaryPayload := []byte{0xde, 0xad, 0xbe, 0xef, 0x00, '\n', '"'}
	require.NoError(t, q.Enqueue(binaryPayload, messages.ActionWorldReady, "caller-1"))
	require.NoError(t, q.Enqueue([]byte(`{"action":"move-players"}`), messages.ActionMovePlayers, ""))

	// first entry is now 25h old
	clock.t = clock.t.Add(5 * time.Hour)
	reloaded := NewPersistentQueue(NewPersistentQueueOptions{Path: q.path, Now: clock.Now})
	require.NoError(t, reloaded.Load())

	entries := reloaded.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, binaryPayload, entries[0].Payload)
	assert.Equal(t, messages.ActionWorldReady, entries[0].Action)
	assert.Equal(t, "caller-1", entries[0].Caller)
	assert.Equal(t, messages.ActionMovePlayers, entries[1].Action)
}

func TestPersistentQueue_FileFormat(t *testing.T) {
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	q := newTestQueue(t, clock, 100)
	require.NoError(t, q.Enqueue([]byte("hi"), messages.ActionBeginCycle, ""))

	b, err := os.ReadFile(q.path)
	require.NoError(t, err)
	var raw []map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &raw))
	require.Len(t, raw, 1)
	assert.Equal(t, "aGk=", raw[0]["payload"])
	assert.Equal(t, "begin-cycle", raw[0]["action"])
	assert.Equal(t, float64(1_700_000_000_000), raw[0]["enqueuedAt"])
	assert.Equal(t, float64(0), raw[0]["attempts"])
}

func TestPersistentQueue_CapacityDropsOldest(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	q := newTestQueue(t, clock, 3)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue([]byte{byte(i)}, messages.ActionBeginCycle, ""))
	}
	entries := q.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, []byte{2}, entries[0].Payload)
	assert.Equal(t, []byte{4}, entries[2].Payload)
}

func TestPersistentQueue_RetryAll(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	q := newTestQueue(t, clock, 100)
	require.NoError(t, q.Enqueue([]byte("old"), messages.ActionBeginCycle, ""))
	clock.t = clock.t.Add(25 * time.Hour)
	require.NoError(t, q.Enqueue([]byte("ok"), messages.ActionWorldReady, ""))
	require.NoError(t, q.Enqueue([]byte("fail"), messages.ActionMovePlayers, ""))

	var attempted []string
	result, err := q.RetryAll(func(entry QueuedRPC) error {
		attempted = append(attempted, string(entry.Payload))
		if string(entry.Payload) == "fail" {
			return errors.New("peer down")
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, RetryResult{Delivered: 1, Expired: 1, Failed: 1}, result)
	assert.Equal(t, []string{"ok", "fail"}, attempted, "expired entries get no attempt")

	entries := q.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "fail", string(entries[0].Payload))
	assert.Equal(t, 1, entries[0].Attempts)

	// attempts survive a reload and keep growing
	_, err = q.RetryAll(func(QueuedRPC) error { return errors.New("still down") })
	require.NoError(t, err)
	reloaded := NewPersistentQueue(NewPersistentQueueOptions{Path: q.path, Now: clock.Now})
	require.NoError(t, reloaded.Load())
	require.Len(t, reloaded.Entries(), 1)
	assert.Equal(t, 2, reloaded.Entries()[0].Attempts)
}

func TestPersistentQueue_LoadMissingFile(t *testing.T) {
	q := newTestQueue(t, &fakeClock{t: time.Now()}, 10)
	require.NoError(t, q.Load())
	assert.Equal(t, 0, q.Len())
}
