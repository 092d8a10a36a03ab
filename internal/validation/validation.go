// Package validation checks client requests before they reach the pipeline.
package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/offsync/internal/types"
)

// Limits applied to mutation requests.
const (
	MaxNameLength   = 128
	MaxIDLength     = 128
	MaxPayloadKeys  = 256
	MaxPayloadDepth = 8
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add records err if it is non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

func (c *Collector) Errors() []ValidationError {
	return c.errors
}

func fieldError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ValidateRequired rejects empty and whitespace-only values.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return fieldError(field, "is required")
	}
	return nil
}

// ValidateText rejects invalid UTF-8, null bytes and values longer than max runes.
func ValidateText(field, value string, max int) *ValidationError {
	switch {
	case !utf8.ValidString(value):
		return fieldError(field, "must be valid UTF-8")
	case strings.ContainsRune(value, 0):
		return fieldError(field, "must not contain null bytes")
	case utf8.RuneCountInString(value) > max:
		return fieldError(field, "exceeds maximum length of %d characters", max)
	}
	return nil
}

// ValidateIdentifier accepts GraphQL-style names: a letter or underscore
// followed by letters, digits or underscores.
func ValidateIdentifier(field, value string) *ValidationError {
	for i, r := range value {
		letter := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		digit := r >= '0' && r <= '9'
		if !letter && (i == 0 || !digit) {
			return fieldError(field, "must be an identifier (letters, digits, underscore)")
		}
	}
	return nil
}

// ValidateKind accepts the empty kind, which defaults to mutation.
func ValidateKind(field string, kind types.OperationKind) *ValidationError {
	if kind == "" || kind.Valid() {
		return nil
	}
	return fieldError(field, "must be one of: %s, %s, %s", types.KindQuery, types.KindMutation, types.KindSubscription)
}

// ValidateFields bounds the size and nesting of a field set.
func ValidateFields(field string, f types.Fields) *ValidationError {
	if len(f) > MaxPayloadKeys {
		return fieldError(field, "exceeds maximum of %d fields", MaxPayloadKeys)
	}
	if depth(f) > MaxPayloadDepth {
		return fieldError(field, "exceeds maximum nesting depth of %d", MaxPayloadDepth)
	}
	for k := range f {
		if k == "" {
			return fieldError(field, "must not contain empty field names")
		}
	}
	return nil
}

func depth(v any) int {
	switch t := v.(type) {
	case types.Fields:
		return 1 + maxDepth(t)
	case map[string]any:
		return 1 + maxDepth(t)
	case []any:
		d := 0
		for _, item := range t {
			d = max(d, depth(item))
		}
		return 1 + d
	}
	return 0
}

func maxDepth(m map[string]any) int {
	d := 0
	for _, v := range m {
		d = max(d, depth(v))
	}
	return d
}

// ValidateMutationRequest checks every field of req and returns all failures.
func ValidateMutationRequest(req types.MutationRequest) []ValidationError {
	var c Collector

	if err := ValidateRequired("name", req.Name); err != nil {
		c.Add(err)
	} else {
		c.Add(ValidateText("name", req.Name, MaxNameLength))
		c.Add(ValidateIdentifier("name", req.Name))
	}

	if err := ValidateRequired("entity_type", req.EntityType); err != nil {
		c.Add(err)
	} else {
		c.Add(ValidateText("entity_type", req.EntityType, MaxNameLength))
		c.Add(ValidateIdentifier("entity_type", req.EntityType))
	}

	if req.EntityID != "" {
		c.Add(ValidateText("entity_id", req.EntityID, MaxIDLength))
	}
	if req.ID != "" {
		c.Add(ValidateText("id", req.ID, MaxIDLength))
	}

	c.Add(ValidateKind("kind", req.Kind))
	c.Add(ValidateFields("payload", req.Payload))
	c.Add(ValidateFields("optimistic_result", req.OptimisticResult))

	return c.Errors()
}
