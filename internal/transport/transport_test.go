package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hyperengineering/offsync/internal/types"
)

func testOp() types.Operation {
	return types.Operation{
		ID:         "01OP",
		Name:       "updateTitle",
		Kind:       types.KindMutation,
		EntityType: "Task",
		EntityID:   "T1",
		Payload:    types.Fields{"id": "T1", "title": "X", "version": 1},
	}
}

func TestError_Classification(t *testing.T) {
	conflict := GraphQLErrors(GraphQLError{
		Message:    "conflict",
		Extensions: map[string]any{"serverState": map[string]any{"title": "Y"}},
	})
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"network", NetworkError(errors.New("dial tcp: refused")), types.ErrNetworkFailure},
		{"conflict", conflict, types.ErrServerConflict},
		{"validation", GraphQLErrors(GraphQLError{Message: "title too long"}), types.ErrValidationFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("send: %w", tt.err)
			if !errors.Is(wrapped, tt.want) {
				t.Errorf("errors.Is(%v, %v) = false", wrapped, tt.want)
			}
		})
	}
}

func TestError_NetworkKeepsCause(t *testing.T) {
	err := NetworkError(context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("network error should unwrap to its cause")
	}
}

func TestConflictInfoFrom(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantOK     bool
		wantServer any
	}{
		{
			name: "direct extensions",
			err: GraphQLErrors(GraphQLError{Extensions: map[string]any{
				"serverState": map[string]any{"title": "S"},
				"clientState": map[string]any{"title": "C"},
				"returnType":  "Task",
			}}),
			wantOK:     true,
			wantServer: "S",
		},
		{
			name: "nested under exception",
			err: GraphQLErrors(
				GraphQLError{Message: "unrelated"},
				GraphQLError{Extensions: map[string]any{
					"exception": map[string]any{
						"conflictInfo": map[string]any{"serverState": map[string]any{"title": "N"}},
					},
				}},
			),
			wantOK:     true,
			wantServer: "N",
		},
		{
			name:   "graphql without conflict data",
			err:    GraphQLErrors(GraphQLError{Message: "nope"}),
			wantOK: false,
		},
		{
			name:   "network error",
			err:    NetworkError(errors.New("down")),
			wantOK: false,
		},
		{
			name:   "plain error",
			err:    errors.New("other"),
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := ConflictInfoFrom(fmt.Errorf("wrapped: %w", tt.err))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && info.ServerState["title"] != tt.wantServer {
				t.Errorf("ServerState = %v", info.ServerState)
			}
		})
	}
}

func TestHTTPSender_Success(t *testing.T) {
	var got Request
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"updateTitle":{"id":"T1","title":"X","version":2}}}`))
	}))
	defer srv.Close()

	s := NewHTTPSender(srv.URL, "secret", time.Second)
	data, err := s.Send(context.Background(), testOp())
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.OperationName != "updateTitle" || got.EntityID != "T1" || got.Variables["title"] != "X" {
		t.Errorf("request = %+v", got)
	}
	if data["version"] != float64(2) {
		t.Errorf("data = %v, want unwrapped entity", data)
	}
}

func TestHTTPSender_FailureClasses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"gateway down", http.StatusBadGateway, "", types.ErrNetworkFailure},
		{"unavailable", http.StatusServiceUnavailable, "", types.ErrNetworkFailure},
		{"throttled", http.StatusTooManyRequests, "", types.ErrNetworkFailure},
		{"conflict payload", http.StatusOK,
			`{"errors":[{"message":"conflict","extensions":{"exception":{"conflictInfo":{"serverState":{"title":"S"}}}}}]}`,
			types.ErrServerConflict},
		{"validation payload", http.StatusOK, `{"errors":[{"message":"bad title"}]}`, types.ErrValidationFailure},
		{"bad request without body", http.StatusBadRequest, "", types.ErrValidationFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPSender(srv.URL, "", time.Second).Send(context.Background(), testOp())
			if !errors.Is(err, tt.want) {
				t.Errorf("Send error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHTTPSender_TimeoutIsNetworkFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewHTTPSender(srv.URL, "", 50*time.Millisecond).Send(context.Background(), testOp())
	if !errors.Is(err, types.ErrNetworkFailure) {
		t.Errorf("Send error = %v, want ErrNetworkFailure", err)
	}
}

func TestHTTPSender_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewHTTPSender(url, "", time.Second).Send(context.Background(), testOp())
	if !errors.Is(err, types.ErrNetworkFailure) {
		t.Errorf("Send error = %v, want ErrNetworkFailure", err)
	}
}

func TestHTTPSender_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	if err := NewHTTPSender(srv.URL, "", time.Second).Ping(context.Background()); err != nil {
		t.Errorf("Ping = %v, want reachable", err)
	}
}

func TestSenderFunc(t *testing.T) {
	var s Sender = SenderFunc(func(ctx context.Context, op types.Operation) (types.Fields, error) {
		return types.Fields{"id": op.EntityID}, nil
	})
	data, err := s.Send(context.Background(), testOp())
	if err != nil || data["id"] != "T1" {
		t.Errorf("Send = %v, %v", data, err)
	}
}
