package types

import (
	"sort"
	"time"
)

// Fields is an entity's field set, keyed by field name.
// Encoding sorts keys, so persisted payloads have a stable field order.
type Fields map[string]any

// Clone returns a deep copy of f. Nested maps and slices are copied too.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the field names of f in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge returns a copy of f with every field of other applied on top.
func (f Fields) Merge(other Fields) Fields {
	out := f.Clone()
	if out == nil {
		out = make(Fields, len(other))
	}
	for k, v := range other {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Fields:
		return t.Clone()
	case map[string]any:
		return Fields(t).Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// OperationKind tags what an operation does to the backend.
type OperationKind string

const (
	KindQuery        OperationKind = "query"
	KindMutation     OperationKind = "mutation"
	KindSubscription OperationKind = "subscription"
)

// Valid reports whether k is a known kind.
func (k OperationKind) Valid() bool {
	switch k {
	case KindQuery, KindMutation, KindSubscription:
		return true
	}
	return false
}

// Operation is a single request against an entity.
//
// Sequence is assigned by the offline queue from a monotonic counter and is the
// only ordering key; wall-clock time is never used to order operations.
type Operation struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	Kind             OperationKind `json:"kind"`
	EntityType       string        `json:"entity_type"`
	EntityID         string        `json:"entity_id"`
	Payload          Fields        `json:"payload"`
	OptimisticResult Fields        `json:"optimistic_result,omitempty"`
	Sequence         uint64        `json:"sequence"`
	OnlineOnly       bool          `json:"online_only,omitempty"`
	NoSquash         bool          `json:"no_squash,omitempty"`

	// Replay marks an operation reloaded from persisted state.
	Replay bool `json:"-"`
}

// EntityKey returns the base-state key of the entity the operation targets.
func (o Operation) EntityKey() string {
	return EntityKey(o.EntityType, o.EntityID)
}

// IsMutation reports whether the operation writes.
func (o Operation) IsMutation() bool {
	return o.Kind == KindMutation
}

// Clone returns a deep copy of o.
func (o Operation) Clone() Operation {
	out := o
	out.Payload = o.Payload.Clone()
	out.OptimisticResult = o.OptimisticResult.Clone()
	return out
}

// EntityKey joins an entity type and id into a stable key.
func EntityKey(entityType, entityID string) string {
	return entityType + ":" + entityID
}

// EntryStatus is the lifecycle state of a queue entry.
type EntryStatus string

const (
	StatusPending   EntryStatus = "pending"
	StatusInFlight  EntryStatus = "in_flight"
	StatusCompleted EntryStatus = "completed"
	StatusFailed    EntryStatus = "failed"
)

// QueueEntry wraps an operation with queue bookkeeping.
type QueueEntry struct {
	Operation    Operation   `json:"operation"`
	Status       EntryStatus `json:"status"`
	RetryCount   int         `json:"retry_count"`
	BaseSnapshot Fields      `json:"base_snapshot,omitempty"`
	EnqueuedAt   time.Time   `json:"enqueued_at"`
}

// Clone returns a deep copy of e.
func (e QueueEntry) Clone() QueueEntry {
	out := e
	out.Operation = e.Operation.Clone()
	out.BaseSnapshot = e.BaseSnapshot.Clone()
	return out
}

// ResultStatus tells a caller what happened to a submitted operation.
type ResultStatus string

const (
	ResultSucceeded ResultStatus = "succeeded"
	ResultQueued    ResultStatus = "queued"
)

// Result is the caller-visible outcome of processing an operation.
// A queued result carries a Ticket that resolves once the queue drains it.
type Result struct {
	Status      ResultStatus `json:"status"`
	OperationID string       `json:"operation_id"`
	EntityID    string       `json:"entity_id"`
	Data        Fields       `json:"data,omitempty"`
	Ticket      *Ticket      `json:"-"`
}
