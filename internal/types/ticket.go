package types

import (
	"context"
	"sync"
)

// Ticket is the deferred outcome of a queued operation.
type Ticket struct {
	operationID string
	once        sync.Once
	done        chan struct{}
	data        Fields
	err         error
}

// NewTicket returns an unresolved ticket for the given operation.
func NewTicket(operationID string) *Ticket {
	return &Ticket{operationID: operationID, done: make(chan struct{})}
}

// OperationID returns the operation the ticket tracks.
func (t *Ticket) OperationID() string { return t.operationID }

// Resolve settles the ticket. Only the first call has any effect.
func (t *Ticket) Resolve(data Fields, err error) {
	t.once.Do(func() {
		t.data = data.Clone()
		t.err = err
		close(t.done)
	})
}

// Done is closed once the ticket has been resolved.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the ticket resolves or ctx ends.
func (t *Ticket) Wait(ctx context.Context) (Fields, error) {
	select {
	case <-t.done:
		return t.data.Clone(), t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
