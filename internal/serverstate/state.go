// Package serverstate holds the process-wide readiness, draining flag, and
// last migration phase, in memory or in Redis.
package serverstate

import (
	"sync"
	"sync/atomic"

	"github.com/gaspardpetit/protobridge/internal/protocol"
)

// Status values.
const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
	StatusUnknown  = "unknown"
)

// State holds the server status, the draining flag, and the migration
// phase. All fields are updated together so callers always observe a
// consistent snapshot.
type State struct {
	Status   string `json:"status"`
	Draining bool   `json:"draining"`
	Phase    string `json:"phase,omitempty"`
}

// Store defines how the server state is persisted.
type Store interface {
	Load() State
	Store(State)
}

var (
	mu     sync.Mutex
	active Store = NewMemoryStore()
)

// UseStore replaces the active Store.
func UseStore(s Store) {
	if s == nil {
		return
	}
	mu.Lock()
	active = s
	mu.Unlock()
}

func current() Store {
	mu.Lock()
	defer mu.Unlock()
	return active
}

func update(fn func(*State)) {
	mu.Lock()
	defer mu.Unlock()
	st := active.Load()
	fn(&st)
	active.Store(st)
}

type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "not_ready".
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusNotReady})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: StatusUnknown}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

// SetState updates the status. It has no effect once draining started.
func SetState(status string) {
	update(func(st *State) {
		if !st.Draining {
			st.Status = status
		}
	})
}

// SetSessions marks the server ready when at least one session is
// connected.
func SetSessions(total int) {
	if total > 0 {
		SetState(StatusReady)
		return
	}
	SetState(StatusNotReady)
}

// GetState returns the current server status.
func GetState() string {
	return current().Load().Status
}

// StartDrain marks the server as draining.
func StartDrain() {
	update(func(st *State) {
		st.Draining = true
		st.Status = StatusDraining
	})
}

// IsDraining reports whether the server is draining.
func IsDraining() bool {
	return current().Load().Draining
}

// SetPhase records the current migration phase.
func SetPhase(p protocol.Phase) {
	update(func(st *State) { st.Phase = p.String() })
}

// GetPhase returns the recorded migration phase, if any.
func GetPhase() (protocol.Phase, bool) {
	name := current().Load().Phase
	if name == "" {
		return protocol.PhasePreparation, false
	}
	return protocol.ParsePhase(name)
}

// Snapshot returns the full state.
func Snapshot() State {
	return current().Load()
}
