package types

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// ClientIDPrefix marks identifiers generated locally before the server assigns one.
const ClientIDPrefix = "tmp-"

// NewOperationID returns a fresh operation id.
func NewOperationID() string {
	return ulid.Make().String()
}

// NewClientID returns a placeholder entity id to use until the server assigns one.
func NewClientID() string {
	return ClientIDPrefix + ulid.Make().String()
}

// IsClientID reports whether id is a locally generated placeholder.
func IsClientID(id string) bool {
	return strings.HasPrefix(id, ClientIDPrefix)
}
