package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/internal/types"
)

const (
	// MetadataKey holds the ordered list of entry keys.
	MetadataKey = "offline-meta-data"
	// EntryPrefix namespaces one record per queued operation.
	EntryPrefix = "offline:"
)

// EntryKey returns the storage key of a queued operation.
func EntryKey(operationID string) string {
	return EntryPrefix + operationID
}

func (q *Queue) writeEntryLocked(ctx context.Context, e *types.QueueEntry, ev *events) {
	if q.kv == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		q.storageFailureLocked("encode entry", err, ev)
		return
	}
	if err := q.kv.Set(ctx, EntryKey(e.Operation.ID), data); err != nil {
		q.storageFailureLocked("write entry", err, ev)
	}
}

func (q *Queue) removeEntryLocked(ctx context.Context, operationID string, ev *events) {
	if q.kv == nil {
		return
	}
	if err := q.kv.Remove(ctx, EntryKey(operationID)); err != nil {
		q.storageFailureLocked("remove entry", err, ev)
	}
}

func (q *Queue) writeMetaLocked(ctx context.Context, ev *events) {
	if q.kv == nil {
		return
	}
	inherited := q.inheritedKeysLocked(ctx)
	keys := make([]string, 0, len(inherited)+len(q.entries))
	seen := make(map[string]struct{}, cap(keys))
	for _, k := range inherited {
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	for _, e := range q.entries {
		k := EntryKey(e.Operation.ID)
		if _, dup := seen[k]; !dup {
			keys = append(keys, k)
		}
	}
	data, err := json.Marshal(keys)
	if err != nil {
		q.storageFailureLocked("encode metadata", err, ev)
		return
	}
	if err := q.kv.Set(ctx, MetadataKey, data); err != nil {
		q.storageFailureLocked("write metadata", err, ev)
	}
}

func (q *Queue) inheritedKeysLocked(ctx context.Context) []string {
	if q.restored {
		return nil
	}
	if !q.inheritedLoaded {
		q.inheritedLoaded = true
		if raw, err := q.kv.Get(ctx, MetadataKey); err == nil {
			_ = json.Unmarshal(raw, &q.inherited)
		}
	}
	return q.inherited
}

// RestoreReport summarises a Restore.
type RestoreReport struct {
	Restored int
	Missing  int
	Corrupt  int
	Orphans  int
}

// ReadPersisted loads the entries recorded in kv without modifying it.
// Entries are returned in queue order with their stored status.
func ReadPersisted(ctx context.Context, kv store.Store, logger *slog.Logger) ([]types.QueueEntry, RestoreReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	loaded, _, report, err := loadPersisted(ctx, kv, logger.With("component", "queue"))
	if err != nil {
		return nil, report, err
	}
	out := make([]types.QueueEntry, len(loaded))
	for i, e := range loaded {
		out[i] = *e
	}
	report.Restored = len(out)
	return out, report, nil
}

func loadPersisted(ctx context.Context, kv store.Store, logger *slog.Logger) ([]*types.QueueEntry, []string, RestoreReport, error) {
	var report RestoreReport
	raw, err := kv.Get(ctx, MetadataKey)
	var keys []string
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, nil, report, fmt.Errorf("read queue metadata: %w", err)
	default:
		if err := json.Unmarshal(raw, &keys); err != nil {
			logger.Error("queue metadata unreadable, starting empty",
				"action", "restore",
				"error", err,
			)
			keys = nil
			report.Corrupt++
		}
	}

	loaded := make([]*types.QueueEntry, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		data, err := kv.Get(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("queued operation missing from storage",
				"action", "restore",
				"key", key,
			)
			report.Missing++
			continue
		}
		if err != nil {
			return nil, nil, report, fmt.Errorf("read %s: %w", key, err)
		}
		var e types.QueueEntry
		if err := json.Unmarshal(data, &e); err != nil || e.Operation.ID == "" {
			logger.Warn("queued operation unreadable",
				"action", "restore",
				"key", key,
				"error", err,
			)
			report.Corrupt++
			continue
		}
		loaded = append(loaded, &e)
	}
	return loaded, keys, report, nil
}

// Restore reloads persisted entries in their original order ahead of anything
// enqueued since New. A referenced entry that is missing or unreadable is
// logged and skipped. Records no longer named by the metadata are removed.
// Restored entries come back Pending with fresh tickets.
func (q *Queue) Restore(ctx context.Context) (RestoreReport, error) {
	if q.kv == nil {
		q.mu.Lock()
		q.restored = true
		q.mu.Unlock()
		return RestoreReport{}, nil
	}

	restored, keys, report, err := loadPersisted(ctx, q.kv, q.logger)
	if err != nil {
		return report, err
	}
	for _, e := range restored {
		e.Status = types.StatusPending
		e.Operation.Replay = true
	}

	var ev events
	q.mu.Lock()
	existing := make(map[string]struct{}, len(q.entries))
	for _, e := range q.entries {
		existing[e.Operation.ID] = struct{}{}
	}
	merged := make([]*types.QueueEntry, 0, len(restored)+len(q.entries))
	for _, e := range restored {
		if _, ok := existing[e.Operation.ID]; ok {
			continue
		}
		if e.Operation.Sequence > q.seq {
			q.seq = e.Operation.Sequence
		}
		q.ticketLocked(e.Operation.ID)
		merged = append(merged, e)
	}
	report.Restored = len(merged)
	// Entries enqueued before Restore ran were numbered from zero; renumber
	// them after the restored ones so ordering stays monotonic.
	for _, e := range q.entries {
		q.seq++
		e.Operation.Sequence = q.seq
		q.writeEntryLocked(ctx, e, &ev)
		merged = append(merged, e)
	}
	q.entries = merged
	q.restored = true
	q.inherited = nil

	live := make(map[string]struct{}, len(q.entries))
	for _, e := range q.entries {
		live[EntryKey(e.Operation.ID)] = struct{}{}
	}
	stored, err := q.kv.Keys(ctx, EntryPrefix)
	if err != nil {
		q.storageFailureLocked("list entries", err, &ev)
	}
	for _, key := range stored {
		if _, ok := live[key]; ok {
			continue
		}
		if err := q.kv.Remove(ctx, key); err != nil {
			q.storageFailureLocked("remove orphan", err, &ev)
			continue
		}
		report.Orphans++
	}
	if report.Missing > 0 || report.Corrupt > 0 || len(q.entries) != len(keys) {
		q.writeMetaLocked(ctx, &ev)
	}
	q.mu.Unlock()
	ev.fire()

	q.logger.Info("queue restored",
		"action", "restore",
		"restored", report.Restored,
		"missing", report.Missing,
		"corrupt", report.Corrupt,
		"orphans", report.Orphans,
	)
	return report, nil
}
