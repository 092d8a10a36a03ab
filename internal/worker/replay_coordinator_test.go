package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/offsync/internal/basestate"
	"github.com/hyperengineering/offsync/internal/network"
	"github.com/hyperengineering/offsync/internal/pipeline"
	"github.com/hyperengineering/offsync/internal/queue"
	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/internal/transport"
	"github.com/hyperengineering/offsync/internal/types"
)

// mockSender records sends and fails the first failures calls at the network.
type mockSender struct {
	mu       sync.Mutex
	sent     []string
	failures int
}

func (m *mockSender) Send(ctx context.Context, op types.Operation) (types.Fields, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, op.ID)
	if m.failures > 0 {
		m.failures--
		return nil, transport.NetworkError(errors.New("connection refused"))
	}
	return types.Fields{"id": op.EntityID}, nil
}

func (m *mockSender) getSent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type harness struct {
	kv      *store.MemoryStore
	base    *basestate.Store
	queue   *queue.Queue
	sender  *mockSender
	p       *pipeline.Pipeline
	monitor *network.Static
}

// newHarness builds a fresh process over kv, as after a restart.
func newHarness(t *testing.T, kv *store.MemoryStore, online bool) *harness {
	t.Helper()
	h := &harness{kv: kv, sender: &mockSender{}, monitor: network.NewStatic(online)}
	h.base = basestate.New(kv, nil)
	h.queue = queue.New(kv, h.base, queue.Options{Squash: true})
	h.p = pipeline.New(pipeline.Config{
		Sender: h.sender,
		Base:   h.base,
		Queue:  h.queue,
	})
	t.Cleanup(h.p.Close)
	return h
}

func (h *harness) start(t *testing.T, interval time.Duration) (*ReplayCoordinator, func()) {
	t.Helper()
	c := NewReplayCoordinator(h.base, h.queue, h.p, h.monitor, interval)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	return c, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("coordinator did not stop after cancellation")
		}
	}
}

// seedQueue persists offline work from an earlier process.
func seedQueue(t *testing.T, kv *store.MemoryStore, ids ...string) {
	t.Helper()
	ctx := context.Background()
	base := basestate.New(kv, nil)
	q := queue.New(kv, base, queue.Options{})
	for _, id := range ids {
		key := types.EntityKey("Task", id)
		base.Save(ctx, key, types.Fields{"id": id, "version": 1}, true)
		q.Enqueue(ctx, types.Operation{
			ID: "op-" + id, Name: "updateTask", Kind: types.KindMutation,
			EntityType: "Task", EntityID: id, Payload: types.Fields{"title": "offline"},
		})
	}
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestReplayCoordinator_RestoresAndDrainsOnStartup(t *testing.T) {
	// Given two operations persisted by a previous process
	kv := store.NewMemoryStore()
	seedQueue(t, kv, "T1", "T2")

	// When a new process starts online
	h := newHarness(t, kv, true)
	_, stop := h.start(t, 0)
	defer stop()

	// Then both are replayed in order and the queue empties
	if !waitFor(t, func() bool { return len(h.sender.getSent()) == 2 && h.queue.Len() == 0 }) {
		t.Fatalf("sent %v, queue length %d; want 2 sent and empty queue", h.sender.getSent(), h.queue.Len())
	}
	if got := h.sender.getSent(); got[0] != "op-T1" || got[1] != "op-T2" {
		t.Errorf("replay order = %v, want op-T1, op-T2", got)
	}
	if keys, _ := kv.Keys(context.Background(), basestate.KeyPrefix); len(keys) != 0 {
		t.Errorf("base state left after replay: %v", keys)
	}
}

func TestReplayCoordinator_RestoresBaseStateBeforeQueue(t *testing.T) {
	kv := store.NewMemoryStore()
	seedQueue(t, kv, "T1")

	h := newHarness(t, kv, false)
	_, stop := h.start(t, 0)
	defer stop()

	if !waitFor(t, func() bool { return h.queue.Len() == 1 }) {
		t.Fatalf("queue length = %d, want 1 restored entry", h.queue.Len())
	}
	if _, ok := h.base.Read("Task:T1"); !ok {
		t.Error("base state not restored")
	}
	if len(h.sender.getSent()) != 0 {
		t.Error("offline startup should not send")
	}
}

func TestReplayCoordinator_DrainsOnOnlineTransition(t *testing.T) {
	kv := store.NewMemoryStore()
	seedQueue(t, kv, "T1")

	h := newHarness(t, kv, false)
	_, stop := h.start(t, 0)
	defer stop()
	if !waitFor(t, func() bool { return h.queue.Len() == 1 }) {
		t.Fatal("entry not restored")
	}

	h.monitor.SetOnline(true)

	if !waitFor(t, func() bool { return h.queue.Len() == 0 }) {
		t.Errorf("queue length = %d after going online, want 0", h.queue.Len())
	}
	if !h.p.Online() {
		t.Error("pipeline should be online")
	}
}

func TestReplayCoordinator_OfflineTransitionOnlyFlipsFlag(t *testing.T) {
	kv := store.NewMemoryStore()
	h := newHarness(t, kv, true)
	_, stop := h.start(t, 0)
	defer stop()
	if !waitFor(t, h.p.Online) {
		t.Fatal("pipeline never went online")
	}

	h.monitor.SetOnline(false)
	if !waitFor(t, func() bool { return !h.p.Online() }) {
		t.Fatal("pipeline still online after offline transition")
	}

	res, err := h.p.Submit(context.Background(), types.Operation{
		ID: "op-1", Name: "updateTask", Kind: types.KindMutation,
		EntityType: "Task", EntityID: "T1", Payload: types.Fields{"title": "x"},
	})
	if err != nil || res.Status != types.ResultQueued {
		t.Errorf("Submit = %+v, %v; want queued", res, err)
	}
	if len(h.sender.getSent()) != 0 {
		t.Error("nothing should be sent while offline")
	}
}

func TestReplayCoordinator_PeriodicRetry(t *testing.T) {
	// Given a persisted entry and a backend that refuses the first attempt
	kv := store.NewMemoryStore()
	seedQueue(t, kv, "T1")
	h := newHarness(t, kv, true)
	h.sender.failures = 1

	// When the coordinator runs with a short retry interval
	_, stop := h.start(t, 20*time.Millisecond)
	defer stop()

	// Then the entry is retried without a status flip. The queue is empty
	// before restore too, so wait on the sends as well as the length.
	if !waitFor(t, func() bool { return len(h.sender.getSent()) >= 2 && h.queue.Len() == 0 }) {
		t.Fatalf("sent %d times with queue length %d, want at least 2 sends and an empty queue",
			len(h.sender.getSent()), h.queue.Len())
	}
}

func TestReplayCoordinator_TriggerCollapses(t *testing.T) {
	c := NewReplayCoordinator(nil, nil, nil, network.NewStatic(false), 0)
	c.Trigger()
	c.Trigger()
	if len(c.trigger) != 1 {
		t.Errorf("pending triggers = %d, want 1", len(c.trigger))
	}
}

func TestReplayCoordinator_EarlySubmitWaitsForRestoredWork(t *testing.T) {
	// Given an entry persisted by a previous process and a backend already
	// reachable
	kv := store.NewMemoryStore()
	seedQueue(t, kv, "T1")
	h := newHarness(t, kv, true)

	// When a mutation on the same entity arrives before the coordinator starts
	res, err := h.p.Submit(context.Background(), types.Operation{
		ID: "op-new", Name: "updateTask", Kind: types.KindMutation, NoSquash: true,
		EntityType: "Task", EntityID: "T1", Payload: types.Fields{"title": "later"},
	})
	if err != nil || res.Status != types.ResultQueued {
		t.Fatalf("Submit = %+v, %v; want queued while the pipeline waits for restore", res, err)
	}
	_, stop := h.start(t, 0)
	defer stop()

	// Then the restored entry is replayed first
	if !waitFor(t, func() bool { return len(h.sender.getSent()) == 2 && h.queue.Len() == 0 }) {
		t.Fatalf("sent %v with queue length %d, want both entries replayed", h.sender.getSent(), h.queue.Len())
	}
	if sent := h.sender.getSent(); sent[0] != "op-T1" || sent[1] != "op-new" {
		t.Errorf("send order = %v, want [op-T1 op-new]", sent)
	}
}
