// ============================================================================
// Delegate Lifecycle - process-wide run state
// ============================================================================
//
// Package: internal/lifecycle
// File: lifecycle.go
// Purpose: One atomic cell read by every loop to decide whether to keep going.
//
// States:
//
//	RUNNING ──RequestPause──> PAUSE ──ConfirmPaused──> PAUSED
//	   ↑                        │                        │
//	   └───────Resume───────────┴────────Resume──────────┘
//
//	any ──RequestStop──> STOP (terminal)
//
// Concurrency:
//   - Every transition is a single compare-and-swap, no locks.
//   - A transition that does not apply to the current state is a silent no-op
//     and returns false.
//   - Readers (heartbeat loop, dispatcher, stop watcher) only load the cell.
//
// ============================================================================

package lifecycle

import (
	"log/slog"
	"sync/atomic"
)

// State is the lifecycle position of the agent process.
type State int32

const (
	Running State = iota // normal operation
	Pause                // drain requested, no new work
	Paused               // drain acknowledged
	Stop                 // terminal, loops exit
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Pause:
		return "PAUSE"
	case Paused:
		return "PAUSED"
	case Stop:
		return "STOP"
	default:
		return "UNKNOWN"
	}
}

// Machine holds the lifecycle state. The zero value is not usable, call New.
type Machine struct {
	state  atomic.Int32
	logger *slog.Logger
}

// New returns a machine in the Running state.
func New(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{logger: logger.With("component", "lifecycle")}
	m.state.Store(int32(Running))
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// IsRunning reports whether the state is Running.
func (m *Machine) IsRunning() bool {
	return m.State() == Running
}

// IsStopRequested reports whether the terminal Stop state has been reached.
func (m *Machine) IsStopRequested() bool {
	return m.State() == Stop
}

// RequestPause moves Running to Pause.
func (m *Machine) RequestPause() bool {
	return m.transition(Running, Pause)
}

// ConfirmPaused moves Pause to Paused.
func (m *Machine) ConfirmPaused() bool {
	return m.transition(Pause, Paused)
}

// Resume moves Pause or Paused back to Running.
func (m *Machine) Resume() bool {
	return m.transition(Pause, Running) || m.transition(Paused, Running)
}

// RequestStop moves any non-terminal state to Stop.
func (m *Machine) RequestStop() bool {
	for {
		cur := m.state.Load()
		if State(cur) == Stop {
			return false
		}
		if m.state.CompareAndSwap(cur, int32(Stop)) {
			m.logger.Info("lifecycle transition", "from", State(cur), "to", Stop)
			return true
		}
	}
}

func (m *Machine) transition(from, to State) bool {
	if !m.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	m.logger.Info("lifecycle transition", "from", from, "to", to)
	return true
}
