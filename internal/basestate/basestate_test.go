package basestate

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/internal/types"
)

// failingKV wraps a MemoryStore and fails writes when failSet is true.
type failingKV struct {
	*store.MemoryStore
	mu      sync.Mutex
	failSet bool
}

func (f *failingKV) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	fail := f.failSet
	f.mu.Unlock()
	if fail {
		return types.ErrStorageFailure
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func TestStore_SaveReadDelete(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemoryStore(), nil)
	base := types.Fields{"title": "A", "version": 1, "tags": []any{"x"}}

	if err := s.Save(ctx, "Task:T1", base, false); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok := s.Read("Task:T1")
	if !ok {
		t.Fatal("Read after Save returned absent")
	}
	if !reflect.DeepEqual(got, base) {
		t.Errorf("Read = %v, want %v", got, base)
	}

	if err := s.Delete(ctx, "Task:T1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Read("Task:T1"); ok {
		t.Error("Read after Delete should be absent")
	}
}

func TestStore_SnapshotsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New(nil, nil)
	base := types.Fields{"title": "A", "tags": []any{"x"}}

	_ = s.Save(ctx, "Task:T1", base, false)
	base["title"] = "mutated"
	base["tags"].([]any)[0] = "mutated"

	got, _ := s.Read("Task:T1")
	got["title"] = "also mutated"

	again, _ := s.Read("Task:T1")
	if again["title"] != "A" {
		t.Errorf("title = %v, want A", again["title"])
	}
	if again["tags"].([]any)[0] != "x" {
		t.Errorf("tags = %v, want [x]", again["tags"])
	}
}

func TestStore_PersistFlag(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	s := New(kv, nil)

	_ = s.Save(ctx, "Task:online", types.Fields{"a": 1}, false)
	_ = s.Save(ctx, "Task:offline", types.Fields{"a": 1}, true)

	keys, _ := kv.Keys(ctx, KeyPrefix)
	if len(keys) != 1 || keys[0] != "basestate:Task:offline" {
		t.Errorf("persisted keys = %v, want [basestate:Task:offline]", keys)
	}
}

func TestStore_CaptureReusesOldestAncestor(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemoryStore(), nil)

	first, err := s.Capture(ctx, "Task:T1", types.Fields{"title": "A"}, false)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	second, err := s.Capture(ctx, "Task:T1", types.Fields{"title": "B"}, false)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	if first["title"] != "A" || second["title"] != "A" {
		t.Errorf("Capture should keep the first snapshot, got %v then %v", first, second)
	}
}

func TestStore_CaptureUpgradesToDurable(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	s := New(kv, nil)

	_, _ = s.Capture(ctx, "Task:T1", types.Fields{"title": "A"}, false)
	if _, err := kv.Get(ctx, "basestate:Task:T1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("non-durable capture should not be written, err = %v", err)
	}

	_, _ = s.Capture(ctx, "Task:T1", types.Fields{"title": "B"}, true)
	raw, err := kv.Get(ctx, "basestate:Task:T1")
	if err != nil {
		t.Fatalf("durable capture not written: %v", err)
	}
	if string(raw) != `{"title":"A"}` {
		t.Errorf("persisted = %s, want original snapshot", raw)
	}
}

func TestStore_Persist(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	s := New(kv, nil)

	_ = s.Save(ctx, "Task:T1", types.Fields{"a": 1}, false)
	if err := s.Persist(ctx, "Task:T1"); err != nil {
		t.Fatalf("Persist: %v", err)
	}
	if _, err := kv.Get(ctx, "basestate:Task:T1"); err != nil {
		t.Errorf("Persist did not write: %v", err)
	}
	if err := s.Persist(ctx, "Task:unknown"); err != nil {
		t.Errorf("Persist of unknown key = %v, want nil", err)
	}
}

func TestStore_RestoreAfterRestart(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()

	before := New(kv, nil)
	_ = before.Save(ctx, "Task:T1", types.Fields{"title": "A", "version": 3}, true)
	_ = before.Save(ctx, "Task:T2", types.Fields{"title": "B"}, false)

	after := New(kv, nil)
	n, err := after.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Errorf("restored %d snapshots, want 1", n)
	}

	got, ok := after.Read("Task:T1")
	if !ok {
		t.Fatal("durable snapshot missing after restore")
	}
	// JSON numbers come back as float64
	if got["title"] != "A" || got["version"] != float64(3) {
		t.Errorf("restored = %v", got)
	}
	if _, ok := after.Read("Task:T2"); ok {
		t.Error("non-durable snapshot should not survive restart")
	}
}

func TestStore_RestoreSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	_ = kv.Set(ctx, "basestate:Task:bad", []byte("{not json"))
	_ = kv.Set(ctx, "basestate:Task:good", []byte(`{"a":1}`))

	s := New(kv, nil)
	n, err := s.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Errorf("restored %d, want 1", n)
	}
	if _, ok := s.Read("Task:good"); !ok {
		t.Error("good record not restored")
	}
}

func TestStore_Rename(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemoryStore()
	s := New(kv, nil)

	_ = s.Save(ctx, "Item:tmp-1", types.Fields{"name": "n"}, true)
	if err := s.Rename(ctx, "Item:tmp-1", "Item:srv-77"); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, ok := s.Read("Item:tmp-1"); ok {
		t.Error("old key still present")
	}
	if got, ok := s.Read("Item:srv-77"); !ok || got["name"] != "n" {
		t.Errorf("new key = %v, %v", got, ok)
	}
	keys, _ := kv.Keys(ctx, KeyPrefix)
	if len(keys) != 1 || keys[0] != "basestate:Item:srv-77" {
		t.Errorf("persisted keys = %v", keys)
	}
}

func TestStore_WriteFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	kv := &failingKV{MemoryStore: store.NewMemoryStore(), failSet: true}
	s := New(kv, nil)

	err := s.Save(ctx, "Task:T1", types.Fields{"a": 1}, true)
	if !errors.Is(err, types.ErrStorageFailure) {
		t.Fatalf("Save error = %v, want ErrStorageFailure", err)
	}
	if _, ok := s.Read("Task:T1"); !ok {
		t.Error("in-memory snapshot should survive a failed write")
	}
}

func TestStore_Keys(t *testing.T) {
	ctx := context.Background()
	s := New(nil, nil)
	_ = s.Save(ctx, "b", types.Fields{}, false)
	_ = s.Save(ctx, "a", types.Fields{}, false)

	if got := s.Keys(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Keys = %v", got)
	}
}
