package conflict

import "github.com/hyperengineering/offsync/internal/types"

// ObjectState tracks how an entity records which revision it is at.
type ObjectState interface {
	// Changed reports whether current is a later revision than base.
	Changed(base, current types.Fields) bool
	// Assign copies the server's revision marker into resolved so a
	// resubmission is accepted.
	Assign(resolved, server types.Fields) types.Fields
}

// VersionedState tracks revisions with a single monotonically increasing field.
type VersionedState struct {
	Field string
}

// Changed compares the version field. Entities without one on either side
// are never reported as changed.
func (v VersionedState) Changed(base, current types.Fields) bool {
	b, okB := base[v.Field]
	c, okC := current[v.Field]
	if !okB || !okC {
		return false
	}
	return !Equal(b, c)
}

func (v VersionedState) Assign(resolved, server types.Fields) types.Fields {
	sv, ok := server[v.Field]
	if !ok {
		return resolved
	}
	if resolved == nil {
		resolved = types.Fields{}
	}
	resolved[v.Field] = sv
	return resolved
}
