package queue

import "github.com/hyperengineering/offsync/internal/types"

// Listener observes queue activity. Calls are made outside the queue lock
// and their return is never consulted, so a listener cannot affect correctness.
type Listener interface {
	OnOperationEnqueued(entry types.QueueEntry)
	OnOperationSuccess(entry types.QueueEntry, data types.Fields)
	OnOperationFailure(entry types.QueueEntry, err error)
	QueueCleared()
	// OnStorageFailure reports a write that did not reach durable storage.
	// The in-memory queue already reflects the change.
	OnStorageFailure(err error)
}

// NopListener ignores every event. Embed it to implement only some callbacks.
type NopListener struct{}

func (NopListener) OnOperationEnqueued(types.QueueEntry)               {}
func (NopListener) OnOperationSuccess(types.QueueEntry, types.Fields) {}
func (NopListener) OnOperationFailure(types.QueueEntry, error)        {}
func (NopListener) QueueCleared()                                     {}
func (NopListener) OnStorageFailure(error)                            {}

// events collects listener calls made while the lock is held so they can be
// fired after it is released.
type events []func()

func (ev *events) add(fn func()) {
	*ev = append(*ev, fn)
}

func (ev events) fire() {
	for _, fn := range ev {
		fn()
	}
}
