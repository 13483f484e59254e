package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cbodonnell/worldcycle/pkg/cycle"
	"github.com/cbodonnell/worldcycle/pkg/game/types"
	"github.com/cbodonnell/worldcycle/pkg/loop"
	"github.com/cbodonnell/worldcycle/pkg/messages"
	"github.com/cbodonnell/worldcycle/pkg/network"
	"github.com/cbodonnell/worldcycle/pkg/platform"
	"github.com/cbodonnell/worldcycle/pkg/queue"
	"github.com/cbodonnell/worldcycle/pkg/repositories"
	"github.com/cbodonnell/worldcycle/pkg/repositories/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveWorker_CoalescesAndFlushes(t *testing.T) {
	dir := t.TempDir()
	var lock sync.Mutex
	writes := map[string]int{}
	w := NewSaveWorker(NewSaveWorkerOptions{})
	w.write = func(path string, data []byte) error {
		lock.Lock()
		writes[path]++
		lock.Unlock()
		return os.WriteFile(path, data, 0644)
	}

	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")
	require.NoError(t, w.Write(a, []byte("1")))
	require.NoError(t, w.Write(b, []byte("x")))
	require.NoError(t, w.Write(a, []byte("2")))
	assert.Equal(t, 2, w.Pending())

	assert.Equal(t, 2, w.Flush())
	assert.Equal(t, 0, w.Pending())
	assert.Equal(t, map[string]int{a: 1, b: 1}, writes)

	got, err := os.ReadFile(a)
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))
}

func TestSaveWorker_RequeuesFailedWrites(t *testing.T) {
	fail := true
	var written []string
	w := NewSaveWorker(NewSaveWorkerOptions{
		Write: func(path string, data []byte) error {
			if fail {
				return errors.New("read-only file system")
			}
			written = append(written, string(data))
			return nil
		},
	})

	require.NoError(t, w.Write("state", []byte("old")))
	assert.Equal(t, 0, w.Flush())
	assert.Equal(t, 1, w.Pending())

	fail = false
	assert.Equal(t, 1, w.Flush())
	assert.Equal(t, []string{"old"}, written)
}

func TestSaveWorker_RetriesFailedWriteWithoutNewWrites(t *testing.T) {
	var lock sync.Mutex
	calls := 0
	var written []string
	w := NewSaveWorker(NewSaveWorkerOptions{
		RetryDelay: 10 * time.Millisecond,
		Write: func(path string, data []byte) error {
			lock.Lock()
			defer lock.Unlock()
			calls++
			if calls == 1 {
				return errors.New("no space left on device")
			}
			written = append(written, string(data))
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	require.NoError(t, w.Write("pending-moves.json", []byte(`{"lobby":[]}`)))
	assert.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(written) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, w.Pending())

	lock.Lock()
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{`{"lobby":[]}`}, written)
	lock.Unlock()
}

func TestSaveWorker_WriteReportsFailingPath(t *testing.T) {
	fail := true
	w := NewSaveWorker(NewSaveWorkerOptions{
		Write: func(path string, data []byte) error {
			if fail {
				return errors.New("read-only file system")
			}
			return nil
		},
	})

	require.NoError(t, w.Write("cycle-stats.txt", []byte("1\n0\n")))
	w.Flush()
	assert.Error(t, w.Write("cycle-stats.txt", []byte("2\n0\n")))
	assert.NoError(t, w.Write("cycle-number.txt", []byte("3\n")))

	fail = false
	assert.Equal(t, 2, w.Flush())
	assert.NoError(t, w.Write("cycle-stats.txt", []byte("3\n0\n")))
}

func TestSaveWorker_FlushesOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycle-number.txt")
	w := NewSaveWorker(NewSaveWorkerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Start(ctx)
	}()

	require.NoError(t, w.Write(path, []byte("7\n")))
	cancel()
	<-done

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "7\n", string(got))
}

func TestHistoryWorker(t *testing.T) {
	ctx := context.Background()
	repo, err := repositories.NewRepository(ctx, "", t.TempDir())
	require.NoError(t, err)
	defer repo.Close(ctx)

	w := NewHistoryWorker(NewHistoryWorkerOptions{Repository: repo, Buffer: 2})
	now := time.Now()
	for i := 1; i <= 3; i++ {
		w.RecordCycle(&models.Cycle{CycleNumber: i, World: "hardcore", Outcome: models.OutcomeCompleted, StartedAt: now, FinishedAt: now})
	}

	runCtx, cancel := context.WithCancel(ctx)
	cancel()
	w.Start(runCtx)

	cycles, err := repo.ListCycles(ctx, 10)
	require.NoError(t, err)
	require.Len(t, cycles, 2, "the third record overflowed the buffer")
	assert.Equal(t, 2, cycles[0].CycleNumber)
}

type fakeRetrier struct {
	calls chan struct{}
}

func (r *fakeRetrier) RetryQueued(ctx context.Context) (queue.RetryResult, error) {
	select {
	case r.calls <- struct{}{}:
	default:
	}
	return queue.RetryResult{}, nil
}

type fakeDrainer struct {
	calls chan struct{}
}

func (d *fakeDrainer) DrainOutbound(ctx context.Context) int {
	select {
	case d.calls <- struct{}{}:
	default:
	}
	return 1
}

func TestRPCWorkers_Tick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	retrier := &fakeRetrier{calls: make(chan struct{}, 1)}
	drainer := &fakeDrainer{calls: make(chan struct{}, 1)}
	go NewQueueRetryWorker(NewQueueRetryWorkerOptions{Retrier: retrier, Interval: 10 * time.Millisecond}).Start(ctx)
	go NewOutboundDrainWorker(NewOutboundDrainWorkerOptions{Drainer: drainer, Interval: 10 * time.Millisecond}).Start(ctx)

	for _, calls := range []chan struct{}{retrier.calls, drainer.calls} {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatal("worker never ticked")
		}
	}
}

type hookRecorder struct {
	calls []string
}

func (h *hookRecorder) HandlePlayerDeath(id uuid.UUID)   { h.calls = append(h.calls, "relocation:death") }
func (h *hookRecorder) HandlePlayerRespawn(id uuid.UUID) { h.calls = append(h.calls, "relocation:respawn") }
func (h *hookRecorder) HandlePlayerQuit(id uuid.UUID)    { h.calls = append(h.calls, "relocation:quit") }

type cycleRecorder struct {
	hooks *hookRecorder
}

func (c *cycleRecorder) HandlePlayerJoin(id uuid.UUID, world string) {
	c.hooks.calls = append(c.hooks.calls, "cycle:join:"+world)
}

func (c *cycleRecorder) HandlePlayerDeath(id uuid.UUID, world string) {
	c.hooks.calls = append(c.hooks.calls, "cycle:death:"+world)
}

func TestPlayerEventWorker(t *testing.T) {
	l := loop.New(loop.NewLoopOptions{Quantum: time.Second})
	events := make(chan types.PlayerEvent, 4)
	hooks := &hookRecorder{}
	w := NewPlayerEventWorker(NewPlayerEventWorkerOptions{
		PlayerEventChan: events,
		Loop:            l,
		Relocation:      hooks,
		Cycle:           &cycleRecorder{hooks: hooks},
	})

	id := uuid.New()
	events <- types.PlayerEvent{Type: types.PlayerEventJoin, PlayerID: id, World: "hardcore_3"}
	events <- types.PlayerEvent{Type: types.PlayerEventDeath, PlayerID: id, World: "hardcore_3"}
	events <- types.PlayerEvent{Type: types.PlayerEventRespawn, PlayerID: id, World: "hardcore_3"}
	events <- types.PlayerEvent{Type: types.PlayerEventQuit, PlayerID: id, World: "hardcore_3"}
	close(events)

	// the worker returns once the channel is closed; nothing ran yet
	w.Start(context.Background())
	assert.Empty(t, hooks.calls)

	l.Tick()
	assert.Equal(t, []string{
		"cycle:join:hardcore_3",
		"relocation:death",
		"cycle:death:hardcore_3",
		"relocation:respawn",
		"relocation:quit",
	}, hooks.calls)
}

type dispatchRecorder struct {
	dispatched chan messages.Message
}

func (d *dispatchRecorder) Dispatch(ctx context.Context, m messages.Message, wait bool) (cycle.DispatchStatus, error) {
	d.dispatched <- m
	return cycle.DispatchAccepted, nil
}

func TestPluginMessageWorker_DispatchesRelayFrames(t *testing.T) {
	const secret, channelID = "s3cret", "worldcycle:rpc"
	host := platform.NewMemoryHost()
	carrier := host.Join("steve", "hardcore_2")
	dispatcher := &dispatchRecorder{dispatched: make(chan messages.Message, 4)}
	w := NewPluginMessageWorker(NewPluginMessageWorkerOptions{
		PluginMessageChan: host.GetPluginMessageChan(),
		Handler: network.NewRelayListener(network.NewRelayListenerOptions{
			Secret:     secret,
			ChannelID:  channelID,
			Dispatcher: dispatcher,
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	frame := func(secret string, m messages.Message) []byte {
		payload, err := messages.EncodeRelayPayload(secret, m)
		require.NoError(t, err)
		data, err := messages.EncodeDelivered(channelID, payload)
		require.NoError(t, err)
		return data
	}
	requester := uuid.New()
	require.True(t, host.DeliverPluginMessage(carrier.ID(), messages.ProxyChannel, frame("wrong", messages.NewMessage(messages.ActionMovePlayers, uuid.Nil))))
	require.True(t, host.DeliverPluginMessage(carrier.ID(), "minecraft:brand", []byte("vanilla")))
	require.True(t, host.DeliverPluginMessage(carrier.ID(), messages.ProxyChannel, frame(secret, messages.NewMessage(messages.ActionBeginCycle, requester))))

	select {
	case m := <-dispatcher.dispatched:
		assert.Equal(t, messages.ActionBeginCycle, m.Action)
		assert.Equal(t, requester, m.Caller)
	case <-time.After(time.Second):
		t.Fatal("relay frame was never dispatched")
	}
	assert.Empty(t, dispatcher.dispatched)
}
