package conflict

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/offsync/internal/types"
)

// ErrUnresolved is returned by a strategy that declines to pick a winner.
var ErrUnresolved = errors.New("conflict left unresolved")

// Strategy computes resolved fields from the base and the two diffs. It may
// return ErrUnresolved to hand the conflict back to the caller.
type Strategy func(base, serverDiff, clientDiff types.Fields) (types.Fields, error)

// ClientWins applies the server's changes and then the client's, so the client
// takes overlapping fields.
func ClientWins(base, serverDiff, clientDiff types.Fields) (types.Fields, error) {
	return base.Merge(serverDiff).Merge(clientDiff), nil
}

// ServerWins applies the client's changes and then the server's.
func ServerWins(base, serverDiff, clientDiff types.Fields) (types.Fields, error) {
	return base.Merge(clientDiff).Merge(serverDiff), nil
}

// Manual never resolves. Callers receive a ServerConflictError to render a merge.
func Manual(base, serverDiff, clientDiff types.Fields) (types.Fields, error) {
	return nil, ErrUnresolved
}

// NumericMerge treats the listed fields as counters: the client's delta from
// base is added to the server's value instead of overwriting it. Every other
// field is resolved client-wins.
func NumericMerge(fields ...string) Strategy {
	counters := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		counters[f] = struct{}{}
	}
	return func(base, serverDiff, clientDiff types.Fields) (types.Fields, error) {
		resolved := base.Merge(serverDiff).Merge(clientDiff)
		for f := range counters {
			clientVal, inClient := clientDiff[f]
			if !inClient {
				continue
			}
			serverVal, inServer := serverDiff[f]
			if !inServer {
				continue
			}
			b, okB := toFloat(base[f])
			c, okC := toFloat(clientVal)
			s, okS := toFloat(serverVal)
			if !okB || !okC || !okS {
				continue
			}
			resolved[f] = s + (c - b)
		}
		return resolved, nil
	}
}

// ByName returns the named built-in strategy.
func ByName(name string, numericFields []string) (Strategy, error) {
	switch name {
	case "", "client_wins":
		return ClientWins, nil
	case "server_wins":
		return ServerWins, nil
	case "numeric_merge":
		return NumericMerge(numericFields...), nil
	case "manual":
		return Manual, nil
	}
	return nil, fmt.Errorf("unknown conflict strategy %q", name)
}
