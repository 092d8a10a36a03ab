// Package basestate remembers the entity snapshot an unconfirmed operation was
// computed against, so a later conflict can be diffed against the right ancestor.
package basestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/internal/types"
)

// KeyPrefix namespaces persisted snapshots in the key/value store.
const KeyPrefix = "basestate:"

type snapshot struct {
	fields  types.Fields
	durable bool
}

// Store holds snapshots in memory and optionally mirrors them to a key/value store.
// In-memory state is authoritative; a failed write is returned to the caller
// but the in-memory change stands.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]snapshot
	kv        store.Store
	logger    *slog.Logger
}

// New returns a Store that persists through kv. A nil kv keeps everything in memory.
func New(kv store.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		snapshots: make(map[string]snapshot),
		kv:        kv,
		logger:    logger.With("component", "basestate"),
	}
}

func persistKey(key string) string {
	return KeyPrefix + key
}

// Save stores a deep copy of fields under key, replacing any previous snapshot.
// With persist set the snapshot is also written durably.
func (s *Store) Save(ctx context.Context, key string, fields types.Fields, persist bool) error {
	s.mu.Lock()
	s.snapshots[key] = snapshot{fields: fields.Clone(), durable: persist}
	s.mu.Unlock()

	if !persist {
		return nil
	}
	return s.write(ctx, key, fields)
}

// Capture returns the snapshot already held for key, or saves fields as the new
// base when none exists. An existing snapshot is never overwritten so diffs keep
// measuring against the oldest unconfirmed ancestor. When persist is set an
// existing in-memory-only snapshot is upgraded to durable.
func (s *Store) Capture(ctx context.Context, key string, fields types.Fields, persist bool) (types.Fields, error) {
	s.mu.Lock()
	existing, ok := s.snapshots[key]
	if !ok {
		existing = snapshot{fields: fields.Clone(), durable: persist}
		s.snapshots[key] = existing
	}
	needsWrite := persist && (!ok || !existing.durable)
	if needsWrite {
		existing.durable = true
		s.snapshots[key] = existing
	}
	out := existing.fields.Clone()
	s.mu.Unlock()

	if needsWrite {
		if err := s.write(ctx, key, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

// Persist makes an in-memory snapshot durable. It is a no-op for unknown keys.
func (s *Store) Persist(ctx context.Context, key string) error {
	s.mu.Lock()
	snap, ok := s.snapshots[key]
	if !ok || snap.durable {
		s.mu.Unlock()
		return nil
	}
	snap.durable = true
	s.snapshots[key] = snap
	fields := snap.fields.Clone()
	s.mu.Unlock()

	return s.write(ctx, key, fields)
}

// Read returns a deep copy of the snapshot for key.
func (s *Store) Read(key string) (types.Fields, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[key]
	if !ok {
		return nil, false
	}
	return snap.fields.Clone(), true
}

// Delete drops the snapshot for key from memory and durable storage.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.snapshots, key)
	s.mu.Unlock()

	if s.kv == nil {
		return nil
	}
	if err := s.kv.Remove(ctx, persistKey(key)); err != nil {
		return fmt.Errorf("delete base state: %w", err)
	}
	return nil
}

// Rename moves a snapshot to a new key, used when a placeholder entity id is
// replaced by the server-assigned one. An existing snapshot at newKey wins.
func (s *Store) Rename(ctx context.Context, oldKey, newKey string) error {
	if oldKey == newKey {
		return nil
	}
	s.mu.Lock()
	snap, ok := s.snapshots[oldKey]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.snapshots, oldKey)
	if _, taken := s.snapshots[newKey]; !taken {
		s.snapshots[newKey] = snap
	} else {
		snap.durable = false
	}
	s.mu.Unlock()

	if s.kv == nil {
		return nil
	}
	if snap.durable {
		if err := s.write(ctx, newKey, snap.fields); err != nil {
			return err
		}
	}
	if err := s.kv.Remove(ctx, persistKey(oldKey)); err != nil {
		return fmt.Errorf("rename base state: %w", err)
	}
	return nil
}

// Keys returns the keys of all held snapshots in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.snapshots))
	for k := range s.snapshots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Restore reloads persisted snapshots. Unreadable records are logged and
// skipped. It returns the number of snapshots loaded.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.kv == nil {
		return 0, nil
	}
	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list base state: %w", err)
	}

	loaded := make(map[string]snapshot, len(keys))
	for _, k := range keys {
		raw, err := s.kv.Get(ctx, k)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("read base state %s: %w", k, err)
		}
		var fields types.Fields
		if err := json.Unmarshal(raw, &fields); err != nil {
			s.logger.Warn("skipping unreadable base state",
				"action", "restore",
				"entity_key", strings.TrimPrefix(k, KeyPrefix),
				"error", err,
			)
			continue
		}
		loaded[strings.TrimPrefix(k, KeyPrefix)] = snapshot{fields: fields, durable: true}
	}

	s.mu.Lock()
	for k, snap := range loaded {
		if _, held := s.snapshots[k]; !held {
			s.snapshots[k] = snap
		}
	}
	s.mu.Unlock()

	s.logger.Info("base state restored", "action", "restore", "count", len(loaded))
	return len(loaded), nil
}

func (s *Store) write(ctx context.Context, key string, fields types.Fields) error {
	if s.kv == nil {
		return nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode base state: %w", err)
	}
	if err := s.kv.Set(ctx, persistKey(key), data); err != nil {
		return fmt.Errorf("persist base state: %w", err)
	}
	return nil
}
