package queue

import (
	"context"
	"errors"

	"github.com/hyperengineering/offsync/internal/types"
)

// Forwarder sends one queued entry to the backend.
type Forwarder interface {
	// Online reports whether draining should continue.
	Online() bool
	// Forward submits the entry's operation and returns the server result.
	Forward(ctx context.Context, entry types.QueueEntry) (types.Fields, error)
}

// DrainResult is the outcome of one forwarded entry.
type DrainResult struct {
	OperationID string
	EntityID    string
	Data        types.Fields
	Err         error
}

// DrainReport summarises a Drain call.
type DrainReport struct {
	Results []DrainResult
	// Skipped is set when another drain was already running.
	Skipped bool
	// Stopped is set when a retryable failure or going offline ended the drain early.
	Stopped   bool
	Remaining int
}

// Forwarded returns the number of entries handed to the forwarder.
func (r DrainReport) Forwarded() int { return len(r.Results) }

// Drain forwards pending entries one at a time, in order, while f reports
// online. Each entry is forwarded at most once per call. A retryable failure
// leaves the entry at its position and ends the drain; any other failure
// removes it and settles its ticket with the error. Only one drain runs at a
// time; a concurrent call returns immediately with Skipped set.
func (q *Queue) Drain(ctx context.Context, f Forwarder) (DrainReport, error) {
	var report DrainReport

	q.mu.Lock()
	if q.draining {
		// The running drain rescans before it exits, so this call's entries
		// are not left behind.
		q.rerun = true
		q.mu.Unlock()
		report.Skipped = true
		return report, nil
	}
	q.draining = true
	q.rerun = false
	startLen := len(q.entries)
	q.mu.Unlock()

	released := false
	defer func() {
		if released {
			return
		}
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	q.logger.Info("drain started", "action", "drain", "queue_length", startLen)

	attempted := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			report.Remaining = q.Len()
			return report, err
		}
		if !f.Online() {
			report.Stopped = true
			break
		}

		q.mu.Lock()
		e := q.nextReadyLocked(attempted)
		if e == nil {
			if q.rerun {
				q.rerun = false
				q.mu.Unlock()
				continue
			}
			q.draining = false
			released = true
			q.mu.Unlock()
			break
		}
		e.Status = types.StatusInFlight
		attempted[e.Operation.ID] = struct{}{}
		snapshot := e.Clone()
		q.mu.Unlock()

		data, err := f.Forward(ctx, snapshot)

		var ev events
		q.mu.Lock()
		result := DrainResult{OperationID: snapshot.Operation.ID, EntityID: snapshot.Operation.EntityID, Data: data, Err: err}
		stop := false
		switch {
		case err == nil:
			q.completeLocked(ctx, e, data, &ev)
		case types.IsRetryable(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			e.Status = types.StatusPending
			e.RetryCount++
			q.writeEntryLocked(ctx, e, &ev)
			stop = true
		default:
			q.failLocked(ctx, e, err, &ev)
		}
		cleared := len(q.entries) == 0
		q.mu.Unlock()

		if cleared {
			ev.add(q.listener.QueueCleared)
		}
		ev.fire()
		report.Results = append(report.Results, result)

		if stop {
			q.logger.Warn("drain stopped on retryable failure",
				"action", "drain",
				"operation_id", snapshot.Operation.ID,
				"retry_count", snapshot.RetryCount+1,
				"error", err,
			)
			report.Stopped = true
			break
		}
	}

	report.Remaining = q.Len()
	q.logger.Info("drain finished",
		"action", "drain",
		"forwarded", report.Forwarded(),
		"remaining", report.Remaining,
		"stopped", report.Stopped,
	)
	return report, nil
}

// nextReadyLocked returns the first pending entry not yet attempted in this
// drain. An entry whose entity id is still a placeholder waits while an
// earlier entry for the same entity (the create) has not completed.
func (q *Queue) nextReadyLocked(attempted map[string]struct{}) *types.QueueEntry {
	blocked := make(map[string]struct{})
	for _, e := range q.entries {
		key := e.Operation.EntityKey()
		if _, ok := attempted[e.Operation.ID]; ok || e.Status != types.StatusPending {
			blocked[key] = struct{}{}
			continue
		}
		if _, ok := blocked[key]; ok && types.IsClientID(e.Operation.EntityID) {
			continue
		}
		return e
	}
	return nil
}

func (q *Queue) completeLocked(ctx context.Context, e *types.QueueEntry, data types.Fields, ev *events) {
	idx := q.indexLocked(e.Operation.ID)
	if idx < 0 {
		return
	}
	q.removeLocked(ctx, idx, ev)

	key := e.Operation.EntityKey()
	if serverID, ok := data["id"].(string); ok && types.IsClientID(e.Operation.EntityID) && serverID != e.Operation.EntityID {
		q.rewriteLocked(ctx, e.Operation.EntityType, e.Operation.EntityID, serverID, ev)
		key = types.EntityKey(e.Operation.EntityType, serverID)
	}

	if q.hasEntityLocked(key) {
		// Later entries for the entity were computed against this result.
		base, _ := q.base.Read(key)
		if err := q.base.Save(ctx, key, base.Merge(data), true); err != nil {
			q.storageFailureLocked("advance base state", err, ev)
		}
	} else if err := q.base.Delete(ctx, key); err != nil {
		q.storageFailureLocked("delete base state", err, ev)
	}

	q.settleLocked(e, data, nil)
	done := e.Clone()
	done.Status = types.StatusCompleted
	q.logger.Info("queued operation confirmed",
		"action", "drain",
		"operation_id", done.Operation.ID,
		"entity_key", done.Operation.EntityKey(),
	)
	ev.add(func() { q.listener.OnOperationSuccess(done, data) })
}

func (q *Queue) failLocked(ctx context.Context, e *types.QueueEntry, err error, ev *events) {
	idx := q.indexLocked(e.Operation.ID)
	if idx < 0 {
		return
	}
	q.removeLocked(ctx, idx, ev)
	q.releaseBaseLocked(ctx, e.Operation.EntityKey(), ev)
	q.settleLocked(e, nil, err)

	failed := e.Clone()
	failed.Status = types.StatusFailed
	q.logger.Warn("queued operation rejected",
		"action", "drain",
		"operation_id", failed.Operation.ID,
		"entity_key", failed.Operation.EntityKey(),
		"error", err,
	)
	ev.add(func() { q.listener.OnOperationFailure(failed, err) })

	// A rejected create leaves its placeholder without a server id, so
	// everything queued against the placeholder can never be sent.
	if !types.IsClientID(e.Operation.EntityID) {
		return
	}
	key := e.Operation.EntityKey()
	for {
		dep := -1
		for i, other := range q.entries {
			if other.Operation.EntityKey() == key && other.Status == types.StatusPending {
				dep = i
				break
			}
		}
		if dep < 0 {
			break
		}
		d := q.entries[dep]
		q.removeLocked(ctx, dep, ev)
		depErr := &DependencyError{OperationID: d.Operation.ID, DependsOn: e.Operation.ID, Cause: err}
		q.settleLocked(d, nil, depErr)
		out := d.Clone()
		out.Status = types.StatusFailed
		ev.add(func() { q.listener.OnOperationFailure(out, depErr) })
	}
	q.releaseBaseLocked(ctx, key, ev)
}

// DependencyError fails an entry whose placeholder create was rejected.
type DependencyError struct {
	OperationID string
	DependsOn   string
	Cause       error
}

func (e *DependencyError) Error() string {
	return "operation " + e.OperationID + " depends on rejected operation " + e.DependsOn + ": " + e.Cause.Error()
}

func (e *DependencyError) Unwrap() error { return e.Cause }
