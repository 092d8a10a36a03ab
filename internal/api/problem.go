package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/offsync/internal/queue"
	"github.com/hyperengineering/offsync/internal/types"
	"github.com/hyperengineering/offsync/internal/validation"
)

const problemBase = "https://offsync.dev/errors/"

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

var problemTypes = map[int]problemType{
	http.StatusBadRequest:          {problemBase + "bad-request", "Bad Request"},
	http.StatusUnauthorized:        {problemBase + "unauthorized", "Unauthorized"},
	http.StatusNotFound:            {problemBase + "not-found", "Not Found"},
	http.StatusConflict:            {problemBase + "conflict", "Conflict"},
	http.StatusUnprocessableEntity: {problemBase + "validation-error", "Validation Error"},
	http.StatusTooManyRequests:     {problemBase + "rate-limit", "Too Many Requests"},
	http.StatusInternalServerError: {problemBase + "internal-error", "Internal Server Error"},
	http.StatusServiceUnavailable:  {problemBase + "service-unavailable", "Service Unavailable"},
}

func newProblem(r *http.Request, status int, detail string) Problem {
	pt, ok := problemTypes[status]
	if !ok {
		pt = problemType{problemBase + "unknown", http.StatusText(status)}
	}
	return Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

func writeProblemJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblemJSON(w, status, newProblem(r, status, detail))
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	writeProblemJSON(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: newProblem(r, http.StatusUnprocessableEntity, detail),
		Errors:  errs,
	})
}

// ConflictProblem is a 409 carrying the views of the conflicting entity so
// the client can render a merge. Server is absent for a local conflict.
type ConflictProblem struct {
	Problem
	Conflict string       `json:"conflict"`
	Base     types.Fields `json:"base,omitempty"`
	Client   types.Fields `json:"client,omitempty"`
	Server   types.Fields `json:"server,omitempty"`
}

// MapPipelineError converts pipeline and queue errors to Problem Details
// responses. Storage and unexpected errors never expose their details.
func MapPipelineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		local  *types.LocalConflictError
		server *types.ServerConflictError
	)
	switch {
	case errors.As(err, &local):
		writeProblemJSON(w, http.StatusConflict, ConflictProblem{
			Problem:  newProblem(r, http.StatusConflict, err.Error()),
			Conflict: "local",
			Base:     local.Base,
			Client:   local.Variables,
		})
	case errors.As(err, &server):
		writeProblemJSON(w, http.StatusConflict, ConflictProblem{
			Problem:  newProblem(r, http.StatusConflict, err.Error()),
			Conflict: "server",
			Base:     server.Base,
			Client:   server.Client,
			Server:   server.Server,
		})
	case errors.Is(err, types.ErrCancelled):
		WriteProblem(w, r, http.StatusConflict, "Operation was cancelled")
	case errors.Is(err, queue.ErrUnknownOperation):
		WriteProblem(w, r, http.StatusNotFound, "Operation not queued")
	case errors.Is(err, queue.ErrInFlight):
		WriteProblem(w, r, http.StatusConflict, "Operation is already in flight")
	case errors.Is(err, queue.ErrNotMutation):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrValidationFailure):
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, types.ErrNetworkFailure):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Backend unreachable")
	default:
		slog.Error("request failed", "component", "api", "path", r.URL.Path, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
