// Package transport defines the request-sender contract the pipeline forwards
// operations through, and the structured error senders return.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/offsync/internal/types"
)

// Sender executes one operation against the backend and returns the entity
// state the server reports.
type Sender interface {
	Send(ctx context.Context, op types.Operation) (types.Fields, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, op types.Operation) (types.Fields, error)

func (f SenderFunc) Send(ctx context.Context, op types.Operation) (types.Fields, error) {
	return f(ctx, op)
}

// Kind classifies an Error.
type Kind int

const (
	// KindNetwork covers anything that never produced a server answer:
	// connection failures, timeouts, gateways reporting the backend down.
	KindNetwork Kind = iota + 1
	// KindGraphQL is an answer from the server that rejected the operation.
	KindGraphQL
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindGraphQL:
		return "graphql"
	}
	return "unknown"
}

// GraphQLError is one server-reported error.
type GraphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Error is the error every Sender returns for a failed operation.
type Error struct {
	Kind       Kind
	Errors     []GraphQLError
	StatusCode int
	Cause      error
}

// NetworkError wraps cause as a network-class failure.
func NetworkError(cause error) *Error {
	return &Error{Kind: KindNetwork, Cause: cause}
}

// GraphQLErrors builds a server rejection from errs.
func GraphQLErrors(errs ...GraphQLError) *Error {
	return &Error{Kind: KindGraphQL, Errors: errs}
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNetwork:
		if e.Cause != nil {
			return fmt.Sprintf("network error: %v", e.Cause)
		}
		return "network error"
	default:
		msgs := make([]string, 0, len(e.Errors))
		for _, ge := range e.Errors {
			msgs = append(msgs, ge.Message)
		}
		if len(msgs) == 0 && e.StatusCode != 0 {
			return fmt.Sprintf("server rejected operation: status %d", e.StatusCode)
		}
		return "server rejected operation: " + strings.Join(msgs, "; ")
	}
}

// Unwrap maps the error onto the shared failure classes so callers can use
// errors.Is with types.ErrNetworkFailure and friends.
func (e *Error) Unwrap() []error {
	var class error
	switch {
	case e.Kind == KindNetwork:
		class = types.ErrNetworkFailure
	case e.conflictInfo() != nil:
		class = types.ErrServerConflict
	default:
		class = types.ErrValidationFailure
	}
	if e.Cause != nil {
		return []error{class, e.Cause}
	}
	return []error{class}
}

// ConflictInfo is the server's view of an entity attached to a conflict error.
type ConflictInfo struct {
	ServerState types.Fields
	ClientState types.Fields
	ReturnType  string
}

// ConflictInfoFrom extracts conflict data from err. The data may sit directly
// in an error's extensions or under extensions.exception.conflictInfo.
func ConflictInfoFrom(err error) (*ConflictInfo, bool) {
	var te *Error
	if !errors.As(err, &te) {
		return nil, false
	}
	info := te.conflictInfo()
	return info, info != nil
}

func (e *Error) conflictInfo() *ConflictInfo {
	if e.Kind != KindGraphQL {
		return nil
	}
	for _, ge := range e.Errors {
		if info := conflictInfoFromExtensions(ge.Extensions); info != nil {
			return info
		}
	}
	return nil
}

func conflictInfoFromExtensions(ext map[string]any) *ConflictInfo {
	if ext == nil {
		return nil
	}
	if info := parseConflictInfo(ext); info != nil {
		return info
	}
	exception, ok := asMap(ext["exception"])
	if !ok {
		return nil
	}
	nested, ok := asMap(exception["conflictInfo"])
	if !ok {
		return nil
	}
	return parseConflictInfo(nested)
}

func parseConflictInfo(m map[string]any) *ConflictInfo {
	server, ok := asMap(m["serverState"])
	if !ok {
		return nil
	}
	info := &ConflictInfo{ServerState: types.Fields(server).Clone()}
	if client, ok := asMap(m["clientState"]); ok {
		info.ClientState = types.Fields(client).Clone()
	}
	if rt, ok := m["returnType"].(string); ok {
		info.ReturnType = rt
	}
	return info
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case types.Fields:
		return t, true
	}
	return nil, false
}
