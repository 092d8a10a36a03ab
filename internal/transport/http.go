package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hyperengineering/offsync/internal/types"
)

// Request is the envelope HTTPSender posts for each operation.
type Request struct {
	OperationID   string              `json:"operationId"`
	OperationName string              `json:"operationName"`
	Kind          types.OperationKind `json:"kind"`
	EntityType    string              `json:"entityType"`
	EntityID      string              `json:"entityId"`
	Variables     types.Fields        `json:"variables"`
}

// Response is the envelope HTTPSender expects back.
type Response struct {
	Data   map[string]any `json:"data"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// HTTPSender posts operations as JSON to a single endpoint.
type HTTPSender struct {
	endpoint  string
	authToken string
	client    *http.Client
}

// NewHTTPSender returns a sender for endpoint. A zero timeout means no
// client-side timeout; the caller's context still applies.
func NewHTTPSender(endpoint, authToken string, timeout time.Duration) *HTTPSender {
	return &HTTPSender{
		endpoint:  endpoint,
		authToken: authToken,
		client:    &http.Client{Timeout: timeout},
	}
}

// Send posts op and decodes the server's entity state. Transport failures,
// timeouts and gateway errors are network-class; everything the server
// answers with errors is a GraphQL-class rejection.
func (s *HTTPSender) Send(ctx context.Context, op types.Operation) (types.Fields, error) {
	body, err := json.Marshal(Request{
		OperationID:   op.ID,
		OperationName: op.Name,
		Kind:          op.Kind,
		EntityType:    op.EntityType,
		EntityID:      op.EntityID,
		Variables:     op.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NetworkError(err)
	}
	defer resp.Body.Close()

	if isNetworkStatus(resp.StatusCode) {
		return nil, &Error{Kind: KindNetwork, StatusCode: resp.StatusCode,
			Cause: fmt.Errorf("backend unavailable: %s", resp.Status)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NetworkError(fmt.Errorf("read response: %w", err))
	}

	var decoded Response
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode < 300 {
			return nil, GraphQLErrors(GraphQLError{Message: "malformed response: " + err.Error()})
		}
	}

	if len(decoded.Errors) > 0 {
		e := GraphQLErrors(decoded.Errors...)
		e.StatusCode = resp.StatusCode
		return nil, e
	}
	if resp.StatusCode >= 300 {
		return nil, &Error{Kind: KindGraphQL, StatusCode: resp.StatusCode}
	}

	return unwrapData(op.Name, decoded.Data), nil
}

// Ping reports whether the endpoint answers at all. Any HTTP response counts
// as reachable; only gateway errors and transport failures do not.
func (s *HTTPSender) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return NetworkError(err)
	}
	resp.Body.Close()
	if isNetworkStatus(resp.StatusCode) {
		return &Error{Kind: KindNetwork, StatusCode: resp.StatusCode}
	}
	return nil
}

func isNetworkStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// unwrapData strips a single top-level key named after the operation, the
// shape GraphQL servers use for mutation results.
func unwrapData(operationName string, data map[string]any) types.Fields {
	if data == nil {
		return types.Fields{}
	}
	if len(data) == 1 {
		if inner, ok := asMap(data[operationName]); ok {
			return types.Fields(inner)
		}
	}
	return types.Fields(data)
}
