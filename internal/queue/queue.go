// Package queue implements the durable offline mutation queue: an ordered,
// persisted buffer of operations that could not be sent, drained one entry at
// a time once the backend is reachable again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/offsync/internal/basestate"
	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/internal/types"
)

var (
	ErrUnknownOperation = errors.New("operation not queued")
	ErrInFlight         = errors.New("operation already in flight")
	ErrNotMutation      = errors.New("only mutations can be queued")
)

// Options configures a Queue.
type Options struct {
	// Squash merges a new operation into a pending entry for the same entity.
	Squash   bool
	Listener Listener
	Logger   *slog.Logger
	// Now stamps EnqueuedAt for display. Ordering never uses it.
	Now func() time.Time
}

// Queue is the offline queue. All mutations of its in-memory state go through
// one mutex; transport calls made by Drain happen outside it.
type Queue struct {
	mu       sync.Mutex
	entries  []*types.QueueEntry
	tickets  map[string]*types.Ticket
	aliases  map[string]string
	seq      uint64
	draining bool
	rerun    bool

	// Until Restore runs, metadata writes keep the keys a previous process
	// persisted so they are not lost before they are reloaded.
	restored        bool
	inherited       []string
	inheritedLoaded bool

	kv       store.Store
	base     *basestate.Store
	squash   bool
	listener Listener
	logger   *slog.Logger
	now      func() time.Time
}

// New returns an empty queue persisting through kv. Call Restore before the
// first Drain to reload a previous process's entries.
func New(kv store.Store, base *basestate.Store, opts Options) *Queue {
	if opts.Listener == nil {
		opts.Listener = NopListener{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if base == nil {
		base = basestate.New(kv, opts.Logger)
	}
	return &Queue{
		tickets:  make(map[string]*types.Ticket),
		aliases:  make(map[string]string),
		kv:       kv,
		base:     base,
		squash:   opts.Squash,
		listener: opts.Listener,
		logger:   opts.Logger.With("component", "queue"),
		now:      opts.Now,
	}
}

// Enqueue appends op, or merges it into a pending entry for the same entity
// when squashing is enabled, and persists the result. It never blocks on the
// network. The returned ticket resolves when the entry is drained, failed or
// cancelled; merged operations share the ticket of the entry they joined.
// Enqueueing an operation id that is already queued returns the existing entry.
func (q *Queue) Enqueue(ctx context.Context, op types.Operation) (types.QueueEntry, *types.Ticket, error) {
	if !op.IsMutation() {
		return types.QueueEntry{}, nil, ErrNotMutation
	}
	if op.EntityType == "" || op.EntityID == "" {
		return types.QueueEntry{}, nil, fmt.Errorf("enqueue: entity type and id are required")
	}

	var ev events
	q.mu.Lock()
	entry, ticket := q.enqueueLocked(ctx, op, &ev)
	out := entry.Clone()
	q.mu.Unlock()

	ev.add(func() { q.listener.OnOperationEnqueued(out) })
	ev.fire()
	return out, ticket, nil
}

func (q *Queue) enqueueLocked(ctx context.Context, op types.Operation, ev *events) (*types.QueueEntry, *types.Ticket) {
	op = op.Clone()
	op.Replay = false
	if op.ID == "" {
		op.ID = types.NewOperationID()
	}
	q.applyAliasesLocked(&op)

	if idx := q.indexLocked(op.ID); idx >= 0 {
		return q.entries[idx], q.ticketLocked(op.ID)
	}

	if q.squash && !op.NoSquash {
		if target := q.squashTargetLocked(op); target != nil {
			target.Operation.Payload = target.Operation.Payload.Merge(op.Payload)
			if op.OptimisticResult != nil {
				target.Operation.OptimisticResult = target.Operation.OptimisticResult.Merge(op.OptimisticResult)
			}
			q.writeEntryLocked(ctx, target, ev)
			q.logger.Debug("operation squashed",
				"action", "enqueue",
				"operation_id", op.ID,
				"into", target.Operation.ID,
				"entity_key", target.Operation.EntityKey(),
			)
			return target, q.ticketLocked(target.Operation.ID)
		}
	}

	q.seq++
	op.Sequence = q.seq
	base, _ := q.base.Read(op.EntityKey())
	entry := &types.QueueEntry{
		Operation:    op,
		Status:       types.StatusPending,
		BaseSnapshot: base,
		EnqueuedAt:   q.now().UTC(),
	}
	q.entries = append(q.entries, entry)

	// Entry record before metadata, so metadata never names a missing record.
	q.writeEntryLocked(ctx, entry, ev)
	q.writeMetaLocked(ctx, ev)

	q.logger.Info("operation queued",
		"action", "enqueue",
		"operation_id", op.ID,
		"operation", op.Name,
		"entity_key", op.EntityKey(),
		"queue_length", len(q.entries),
	)
	return entry, q.ticketLocked(op.ID)
}

// squashTargetLocked finds the entry op should merge into: the newest entry
// for the same entity, if it is still pending and runs the same operation.
func (q *Queue) squashTargetLocked(op types.Operation) *types.QueueEntry {
	key := op.EntityKey()
	for i := len(q.entries) - 1; i >= 0; i-- {
		e := q.entries[i]
		if e.Operation.EntityKey() != key {
			continue
		}
		if e.Status == types.StatusPending && !e.Operation.NoSquash && e.Operation.Name == op.Name {
			return e
		}
		return nil
	}
	return nil
}

func (q *Queue) ticketLocked(id string) *types.Ticket {
	t, ok := q.tickets[id]
	if !ok {
		t = types.NewTicket(id)
		q.tickets[id] = t
	}
	return t
}

// Cancel removes a pending entry and any base state no other entry shares.
// Entries already handed to the transport cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, operationID string) error {
	var ev events
	q.mu.Lock()
	idx := q.indexLocked(operationID)
	if idx < 0 {
		q.mu.Unlock()
		return ErrUnknownOperation
	}
	e := q.entries[idx]
	if e.Status == types.StatusInFlight {
		q.mu.Unlock()
		return ErrInFlight
	}
	q.removeLocked(ctx, idx, &ev)
	q.releaseBaseLocked(ctx, e.Operation.EntityKey(), &ev)
	q.settleLocked(e, nil, types.ErrCancelled)
	out := e.Clone()
	out.Status = types.StatusFailed
	q.mu.Unlock()

	q.logger.Info("operation cancelled", "action", "cancel", "operation_id", operationID)
	ev.add(func() { q.listener.OnOperationFailure(out, types.ErrCancelled) })
	ev.fire()
	return nil
}

// RewriteID replaces a placeholder entity id with the server-assigned one in
// every queued entry and in the base-state store. Later enqueues of the
// placeholder are rewritten too.
func (q *Queue) RewriteID(ctx context.Context, entityType, placeholder, serverID string) {
	var ev events
	q.mu.Lock()
	q.rewriteLocked(ctx, entityType, placeholder, serverID, &ev)
	q.mu.Unlock()
	ev.fire()
}

// ResolveAlias returns the server id recorded for a placeholder, or id itself.
func (q *Queue) ResolveAlias(id string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if v, ok := q.aliases[id]; ok {
		return v
	}
	return id
}

// Entries returns copies of the queued entries in order.
func (q *Queue) Entries() []types.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.QueueEntry, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.Clone()
	}
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// HasEntity reports whether any queued entry targets the entity key.
func (q *Queue) HasEntity(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hasEntityLocked(key)
}

// EntityEntries returns how many queued entries target the entity key.
func (q *Queue) EntityEntries(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.Operation.EntityKey() == key {
			n++
		}
	}
	return n
}

// Ticket returns the ticket of a queued operation.
func (q *Queue) Ticket(operationID string) (*types.Ticket, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tickets[operationID]
	return t, ok
}

// Draining reports whether a drain is running.
func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

func (q *Queue) indexLocked(operationID string) int {
	for i, e := range q.entries {
		if e.Operation.ID == operationID {
			return i
		}
	}
	return -1
}

func (q *Queue) hasEntityLocked(key string) bool {
	for _, e := range q.entries {
		if e.Operation.EntityKey() == key {
			return true
		}
	}
	return false
}

// removeLocked drops the entry at idx and persists the removal: metadata
// first, then the record, so a crash in between leaves only an orphan record.
func (q *Queue) removeLocked(ctx context.Context, idx int, ev *events) {
	e := q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	q.writeMetaLocked(ctx, ev)
	q.removeEntryLocked(ctx, e.Operation.ID, ev)
}

// releaseBaseLocked deletes the base state for key unless another entry still
// depends on it.
func (q *Queue) releaseBaseLocked(ctx context.Context, key string, ev *events) {
	if q.hasEntityLocked(key) {
		return
	}
	if err := q.base.Delete(ctx, key); err != nil {
		q.storageFailureLocked("delete base state", err, ev)
	}
}

func (q *Queue) settleLocked(e *types.QueueEntry, data types.Fields, err error) {
	if t, ok := q.tickets[e.Operation.ID]; ok {
		t.Resolve(data, err)
		delete(q.tickets, e.Operation.ID)
	}
}

// applyAliasesLocked rewrites any placeholder in op that already has a server id.
func (q *Queue) applyAliasesLocked(op *types.Operation) {
	for placeholder, serverID := range q.aliases {
		rewriteOperation(op, placeholder, serverID)
	}
}

func (q *Queue) rewriteLocked(ctx context.Context, entityType, placeholder, serverID string, ev *events) {
	if placeholder == serverID || serverID == "" {
		return
	}
	q.aliases[placeholder] = serverID

	rewritten := 0
	for _, e := range q.entries {
		if rewriteOperation(&e.Operation, placeholder, serverID) {
			q.writeEntryLocked(ctx, e, ev)
			rewritten++
		}
	}
	oldKey := types.EntityKey(entityType, placeholder)
	newKey := types.EntityKey(entityType, serverID)
	if err := q.base.Rename(ctx, oldKey, newKey); err != nil {
		q.storageFailureLocked("rename base state", err, ev)
	}

	q.logger.Info("placeholder id replaced",
		"action", "rewrite",
		"placeholder", placeholder,
		"server_id", serverID,
		"entries", rewritten,
	)
}

// rewriteOperation swaps placeholder for serverID in the entity id and in any
// top-level payload value that references it.
func rewriteOperation(op *types.Operation, placeholder, serverID string) bool {
	changed := false
	if op.EntityID == placeholder {
		op.EntityID = serverID
		changed = true
	}
	for _, fields := range []types.Fields{op.Payload, op.OptimisticResult} {
		for k, v := range fields {
			if s, ok := v.(string); ok && s == placeholder {
				fields[k] = serverID
				changed = true
			}
		}
	}
	return changed
}

func (q *Queue) storageFailureLocked(action string, err error, ev *events) {
	q.logger.Warn("queue persistence failed",
		"action", action,
		"error", err,
	)
	wrapped := fmt.Errorf("%s: %w", action, err)
	ev.add(func() { q.listener.OnStorageFailure(wrapped) })
}
