package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hyperengineering/offsync/internal/queue"
	"github.com/hyperengineering/offsync/internal/transport"
	"github.com/hyperengineering/offsync/internal/types"
	"github.com/hyperengineering/offsync/internal/validation"
)

func TestWriteProblem(t *testing.T) {
	w := httptest.NewRecorder()
	WriteProblem(w, httptest.NewRequest(http.MethodGet, "/api/v1/queue/op-9", nil), http.StatusNotFound, "Operation not queued")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var p Problem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := Problem{
		Type:     problemBase + "not-found",
		Title:    "Not Found",
		Status:   404,
		Detail:   "Operation not queued",
		Instance: "/api/v1/queue/op-9",
	}
	if p != want {
		t.Errorf("problem = %+v, want %+v", p, want)
	}
}

func TestWriteProblem_UnknownStatus(t *testing.T) {
	w := httptest.NewRecorder()
	WriteProblem(w, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusTeapot, "short and stout")

	var p Problem
	json.Unmarshal(w.Body.Bytes(), &p)
	if p.Type != problemBase+"unknown" || p.Title != http.StatusText(http.StatusTeapot) {
		t.Errorf("problem = %+v", p)
	}
}

func TestWriteProblemWithErrors(t *testing.T) {
	w := httptest.NewRecorder()
	errs := []validation.ValidationError{{Field: "name", Message: "is required"}}
	WriteProblemWithErrors(w, httptest.NewRequest(http.MethodPost, "/api/v1/mutations", nil), "invalid", errs)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d", w.Code)
	}
	var p ProblemWithErrors
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(p.Errors) != 1 || p.Errors[0].Field != "name" || p.Type != problemBase+"validation-error" {
		t.Errorf("problem = %+v", p)
	}
}

func TestMapPipelineError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"local conflict", &types.LocalConflictError{}, http.StatusConflict},
		{"server conflict", &types.ServerConflictError{OperationName: "updateTask"}, http.StatusConflict},
		{"cancelled", types.ErrCancelled, http.StatusConflict},
		{"unknown operation", queue.ErrUnknownOperation, http.StatusNotFound},
		{"in flight", queue.ErrInFlight, http.StatusConflict},
		{"not a mutation", queue.ErrNotMutation, http.StatusBadRequest},
		{"validation", &types.ValidationError{Messages: []string{"bad"}}, http.StatusUnprocessableEntity},
		{"server rejection", transport.GraphQLErrors(transport.GraphQLError{Message: "nope"}), http.StatusUnprocessableEntity},
		{"network", transport.NetworkError(errors.New("refused")), http.StatusServiceUnavailable},
		{"storage", fmt.Errorf("save: %w", types.ErrStorageFailure), http.StatusInternalServerError},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			captureLogs(t)
			w := httptest.NewRecorder()
			MapPipelineError(w, httptest.NewRequest(http.MethodPost, "/api/v1/mutations", nil), tt.err)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
		})
	}
}

func TestMapPipelineError_ServerConflictViews(t *testing.T) {
	err := &types.ServerConflictError{
		OperationName: "updateTask",
		Base:          types.Fields{"title": "A"},
		Client:        types.Fields{"title": "B"},
		Server:        types.Fields{"title": "C"},
	}
	w := httptest.NewRecorder()
	MapPipelineError(w, httptest.NewRequest(http.MethodPost, "/api/v1/mutations", nil), err)

	var p ConflictProblem
	if err := json.Unmarshal(w.Body.Bytes(), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.Conflict != "server" || p.Base["title"] != "A" || p.Client["title"] != "B" || p.Server["title"] != "C" {
		t.Errorf("conflict problem = %+v", p)
	}
}

func TestMapPipelineError_InternalDetailsHidden(t *testing.T) {
	captureLogs(t)
	w := httptest.NewRecorder()
	MapPipelineError(w, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("disk /var/lib/offsync is full"))

	var p Problem
	json.Unmarshal(w.Body.Bytes(), &p)
	if p.Detail != "Internal Server Error" {
		t.Errorf("detail = %q, want generic message", p.Detail)
	}
}
