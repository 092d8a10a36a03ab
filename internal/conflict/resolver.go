// Package conflict implements three-way field diffing between a base snapshot,
// the client's submitted fields and the server's current state, and resolves
// the differences with a pluggable Strategy.
package conflict

import (
	"fmt"
	"log/slog"

	"github.com/hyperengineering/offsync/internal/types"
)

// DefaultIgnoredFields are never diffed. They identify or version an entity
// rather than carry data.
var DefaultIgnoredFields = []string{"id", "version"}

// Listener observes resolutions. Merges without overlapping changes are
// reported separately from true conflicts.
type Listener interface {
	MergeOccurred(operationName string, resolved, server, client types.Fields)
	ConflictOccurred(operationName string, resolved, server, client types.Fields)
}

// Diff is the field-level comparison of one entity's three views.
type Diff struct {
	ClientDiff types.Fields
	ServerDiff types.Fields
	Conflicted bool
}

// Outcome is a completed resolution.
type Outcome struct {
	Diff
	Resolved types.Fields
}

// Resolver diffs and resolves entity conflicts.
type Resolver struct {
	strategy   Strategy
	operations map[string]Strategy
	ignored    map[string]struct{}
	state      ObjectState
	listener   Listener
	logger     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStrategy sets the default strategy.
func WithStrategy(s Strategy) Option {
	return func(r *Resolver) {
		if s != nil {
			r.strategy = s
		}
	}
}

// WithOperationStrategy overrides the strategy for one operation name.
func WithOperationStrategy(operationName string, s Strategy) Option {
	return func(r *Resolver) {
		if s != nil {
			r.operations[operationName] = s
		}
	}
}

// WithIgnoredFields replaces the ignore list.
func WithIgnoredFields(fields ...string) Option {
	return func(r *Resolver) {
		r.ignored = make(map[string]struct{}, len(fields))
		for _, f := range fields {
			r.ignored[f] = struct{}{}
		}
	}
}

// WithState sets how entity state markers are compared and carried forward.
func WithState(s ObjectState) Option {
	return func(r *Resolver) {
		if s != nil {
			r.state = s
		}
	}
}

// WithListener sets the resolution listener.
func WithListener(l Listener) Option {
	return func(r *Resolver) { r.listener = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns a Resolver that defaults to client-wins, ignores id and version,
// and tracks entity state through the version field.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		strategy:   ClientWins,
		operations: make(map[string]Strategy),
		state:      VersionedState{Field: "version"},
		logger:     slog.Default(),
	}
	WithIgnoredFields(DefaultIgnoredFields...)(r)
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "conflict")
	return r
}

func (r *Resolver) ignoredField(f string) bool {
	_, ok := r.ignored[f]
	return ok
}

// Diff compares the three views. The field universe is the client's fields.
// A client change counts only where the base knows the field; a server change
// is measured against the base, not against the client.
func (r *Resolver) Diff(base, client, server types.Fields) Diff {
	d := Diff{ClientDiff: types.Fields{}, ServerDiff: types.Fields{}}
	for f, clientVal := range client {
		if r.ignoredField(f) {
			continue
		}
		baseVal, inBase := base[f]
		if inBase && !Equal(baseVal, clientVal) {
			d.ClientDiff[f] = clientVal
		}
		serverVal, inServer := server[f]
		if inServer && (!inBase || !Equal(baseVal, serverVal)) {
			d.ServerDiff[f] = serverVal
			if _, both := d.ClientDiff[f]; both {
				d.Conflicted = true
			}
		}
	}
	return d
}

func (r *Resolver) strategyFor(operationName string) Strategy {
	if s, ok := r.operations[operationName]; ok {
		return s
	}
	return r.strategy
}

// Resolve diffs the views and applies the strategy registered for the
// operation, falling back to the default. The resolved fields carry the
// server's state marker and are limited to the fields the client submitted.
func (r *Resolver) Resolve(operationName string, base, client, server types.Fields) (Outcome, error) {
	d := r.Diff(base, client, server)
	out := Outcome{Diff: d}

	resolved, err := r.strategyFor(operationName)(base.Clone(), d.ServerDiff.Clone(), d.ClientDiff.Clone())
	if err != nil {
		return out, fmt.Errorf("resolve %s: %w", operationName, err)
	}
	resolved = r.state.Assign(resolved, server)

	filtered := make(types.Fields, len(client))
	for f := range client {
		if v, ok := resolved[f]; ok {
			filtered[f] = v
		}
	}
	out.Resolved = filtered

	if d.Conflicted {
		r.logger.Info("conflict resolved",
			"action", "resolve",
			"operation", operationName,
			"fields", len(filtered),
		)
		if r.listener != nil {
			r.listener.ConflictOccurred(operationName, filtered.Clone(), server.Clone(), client.Clone())
		}
	} else {
		r.logger.Debug("changes merged",
			"action", "merge",
			"operation", operationName,
			"fields", len(filtered),
		)
		if r.listener != nil {
			r.listener.MergeOccurred(operationName, filtered.Clone(), server.Clone(), client.Clone())
		}
	}
	return out, nil
}

// Stale reports whether the cached entity has moved away from the base the
// operation was computed against.
func (r *Resolver) Stale(base, current types.Fields) bool {
	return r.state.Changed(base, current)
}
