package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/offsync/internal/queue"
	"github.com/hyperengineering/offsync/internal/types"
	"github.com/hyperengineering/offsync/internal/validation"
)

const (
	maxBodyBytes = 1 << 20
	// MaxWait caps the ?wait= duration on POST /mutations.
	MaxWait = 30 * time.Second
)

// Pipeline is the part of the mutation pipeline the API drives.
type Pipeline interface {
	Submit(ctx context.Context, op types.Operation) (types.Result, error)
	Online() bool
	Drain(ctx context.Context) (queue.DrainReport, error)
}

// Queue is the part of the offline queue the API inspects.
type Queue interface {
	Entries() []types.QueueEntry
	Len() int
	Draining() bool
	Cancel(ctx context.Context, operationID string) error
}

// EntityCache receives entity states pushed by the backend.
type EntityCache interface {
	Put(entityType, id string, fields types.Fields)
}

// Handler implements the API handlers
type Handler struct {
	pipeline Pipeline
	queue    Queue
	cache    EntityCache
	apiKey   string
	version  string
	now      func() time.Time
}

// NewHandler creates a Handler. An empty apiKey leaves the API open.
func NewHandler(p Pipeline, q Queue, c EntityCache, apiKey, version string) *Handler {
	return &Handler{
		pipeline: p,
		queue:    q,
		cache:    c,
		apiKey:   apiKey,
		version:  version,
		now:      time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:      "healthy",
		Version:     h.version,
		Online:      h.pipeline.Online(),
		QueueLength: h.queue.Len(),
		Draining:    h.queue.Draining(),
	})
}

// SubmitMutation handles POST /api/v1/mutations.
//
// A mutation answered by the backend returns 200. A queued mutation returns
// 202 with the optimistic result, unless ?wait=<duration> is given and the
// queue confirms it within that time.
func (h *Handler) SubmitMutation(w http.ResponseWriter, r *http.Request) {
	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			WriteProblem(w, r, http.StatusBadRequest, "wait must be a non-negative duration such as 5s")
			return
		}
		wait = min(d, MaxWait)
	}

	var req types.MutationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if errs := validation.ValidateMutationRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	op := req.Operation()
	res, err := h.pipeline.Submit(r.Context(), op)
	if err != nil {
		annotate(r.Context(), "operation_id", op.ID)
		MapPipelineError(w, r, err)
		return
	}
	annotate(r.Context(), "operation_id", res.OperationID)
	annotate(r.Context(), "result", string(res.Status))

	if res.Status == types.ResultQueued && wait > 0 && res.Ticket != nil {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		data, err := res.Ticket.Wait(ctx)
		switch {
		case err == nil:
			res = confirmed(res, data)
		case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
			// Still queued; fall through to 202.
		default:
			MapPipelineError(w, r, err)
			return
		}
	}

	status := http.StatusOK
	if res.Status == types.ResultQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func confirmed(queued types.Result, data types.Fields) types.Result {
	res := types.Result{
		Status:      types.ResultSucceeded,
		OperationID: queued.OperationID,
		EntityID:    queued.EntityID,
		Data:        data,
	}
	if id, ok := data["id"].(string); ok && id != "" {
		res.EntityID = id
	}
	return res
}

// ListQueue handles GET /api/v1/queue
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	entries := h.queue.Entries()
	if entries == nil {
		entries = []types.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, types.QueueResponse{
		Entries: entries,
		Length:  len(entries),
		AsOf:    h.now().UTC(),
	})
}

// CancelOperation handles DELETE /api/v1/queue/{id}
func (h *Handler) CancelOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotate(r.Context(), "operation_id", id)
	if err := h.queue.Cancel(r.Context(), id); err != nil {
		MapPipelineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DrainQueue handles POST /api/v1/queue/drain. It runs a drain in the
// request and reports what it forwarded.
func (h *Handler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	if !h.pipeline.Online() {
		WriteProblem(w, r, http.StatusServiceUnavailable, "Backend is offline; queue will drain on reconnect")
		return
	}
	report, err := h.pipeline.Drain(r.Context())
	if err != nil {
		MapPipelineError(w, r, err)
		return
	}

	resp := types.DrainResponse{
		Remaining: report.Remaining,
		Skipped:   report.Skipped,
		Stopped:   report.Stopped,
	}
	for _, res := range report.Results {
		if res.Err != nil {
			resp.Failed++
			continue
		}
		resp.Forwarded++
	}
	annotate(r.Context(), "forwarded", resp.Forwarded)
	writeJSON(w, http.StatusOK, resp)
}

// PutEntity handles PUT /api/v1/cache/{type}/{id}. The body replaces the
// cached state of the entity, as a subscription update would.
func (h *Handler) PutEntity(w http.ResponseWriter, r *http.Request) {
	entityType := chi.URLParam(r, "type")
	id := chi.URLParam(r, "id")

	var c validation.Collector
	c.Add(validation.ValidateIdentifier("type", entityType))
	c.Add(validation.ValidateText("id", id, validation.MaxIDLength))
	if c.HasErrors() {
		WriteProblemWithErrors(w, r, "Invalid entity reference", c.Errors())
		return
	}

	var fields types.Fields
	if !decodeJSON(w, r, &fields) {
		return
	}
	if err := validation.ValidateFields("body", fields); err != nil {
		WriteProblemWithErrors(w, r, "Invalid entity state", []validation.ValidationError{*err})
		return
	}

	h.cache.Put(entityType, id, fields)
	annotate(r.Context(), "entity_key", types.EntityKey(entityType, id))
	w.WriteHeader(http.StatusNoContent)
}
