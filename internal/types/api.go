package types

import "time"

// MutationRequest is the body of POST /api/v1/mutations.
type MutationRequest struct {
	ID               string        `json:"id,omitempty"`
	Name             string        `json:"name"`
	Kind             OperationKind `json:"kind,omitempty"`
	EntityType       string        `json:"entity_type"`
	EntityID         string        `json:"entity_id,omitempty"`
	Payload          Fields        `json:"payload"`
	OptimisticResult Fields        `json:"optimistic_result,omitempty"`
	OnlineOnly       bool          `json:"online_only,omitempty"`
	NoSquash         bool          `json:"no_squash,omitempty"`
}

// Operation converts the request. A missing kind means mutation and a
// missing entity id gets a placeholder.
func (r MutationRequest) Operation() Operation {
	kind := r.Kind
	if kind == "" {
		kind = KindMutation
	}
	entityID := r.EntityID
	if entityID == "" {
		entityID = NewClientID()
	}
	return Operation{
		ID:               r.ID,
		Name:             r.Name,
		Kind:             kind,
		EntityType:       r.EntityType,
		EntityID:         entityID,
		Payload:          r.Payload.Clone(),
		OptimisticResult: r.OptimisticResult.Clone(),
		OnlineOnly:       r.OnlineOnly,
		NoSquash:         r.NoSquash,
	}
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Online      bool   `json:"online"`
	QueueLength int    `json:"queue_length"`
	Draining    bool   `json:"draining"`
}

// QueueResponse is returned by GET /api/v1/queue.
type QueueResponse struct {
	Entries []QueueEntry `json:"entries"`
	Length  int          `json:"length"`
	AsOf    time.Time    `json:"as_of"`
}

// DrainResponse is returned by POST /api/v1/queue/drain.
type DrainResponse struct {
	Forwarded int  `json:"forwarded"`
	Failed    int  `json:"failed"`
	Remaining int  `json:"remaining"`
	Skipped   bool `json:"skipped"`
	Stopped   bool `json:"stopped"`
}
