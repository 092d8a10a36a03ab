// Package network reports connectivity to the pipeline. Monitors answer a
// point query and push status changes to subscribers.
package network

import (
	"context"
	"sync"
)

// Monitor reports whether the backend is reachable.
type Monitor interface {
	IsOffline(ctx context.Context) bool
	// OnStatusChange registers fn for every online/offline transition and
	// returns a function that removes it.
	OnStatusChange(fn func(online bool)) (cancel func())
}

// status holds the current state and the subscriber set shared by monitors.
type status struct {
	mu        sync.Mutex
	online    bool
	known     bool
	nextID    int
	listeners map[int]func(bool)
}

func newStatus(online, known bool) *status {
	return &status{online: online, known: known, listeners: make(map[int]func(bool))}
}

func (s *status) get() (online, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online, s.known
}

// set records online and notifies subscribers when the state flips. The first
// observation after an unknown state notifies too.
func (s *status) set(online bool) {
	s.mu.Lock()
	if s.known && s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	s.known = true
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

func (s *status) subscribe(fn func(bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Static is a Monitor whose state is set by hand. It serves the static network
// mode and tests.
type Static struct {
	st *status
}

// NewStatic returns a Static monitor starting in the given state.
func NewStatic(online bool) *Static {
	return &Static{st: newStatus(online, true)}
}

func (m *Static) IsOffline(ctx context.Context) bool {
	online, _ := m.st.get()
	return !online
}

func (m *Static) OnStatusChange(fn func(online bool)) func() {
	return m.st.subscribe(fn)
}

// SetOnline changes the state, notifying subscribers on a transition.
func (m *Static) SetOnline(online bool) {
	m.st.set(online)
}
