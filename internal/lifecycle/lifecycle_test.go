package lifecycle

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_StartsRunning(t *testing.T) {
	m := New(nil)

	assert.Equal(t, Running, m.State())
	assert.True(t, m.IsRunning())
	assert.False(t, m.IsStopRequested())
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    State
		op      func(*Machine) bool
		want    State
		changed bool
	}{
		{"pause from running", Running, (*Machine).RequestPause, Pause, true},
		{"pause from pause", Pause, (*Machine).RequestPause, Pause, false},
		{"pause from paused", Paused, (*Machine).RequestPause, Paused, false},
		{"pause from stop", Stop, (*Machine).RequestPause, Stop, false},
		{"confirm from pause", Pause, (*Machine).ConfirmPaused, Paused, true},
		{"confirm from running", Running, (*Machine).ConfirmPaused, Running, false},
		{"resume from pause", Pause, (*Machine).Resume, Running, true},
		{"resume from paused", Paused, (*Machine).Resume, Running, true},
		{"resume from running", Running, (*Machine).Resume, Running, false},
		{"resume from stop", Stop, (*Machine).Resume, Stop, false},
		{"stop from running", Running, (*Machine).RequestStop, Stop, true},
		{"stop from paused", Paused, (*Machine).RequestStop, Stop, true},
		{"stop from stop", Stop, (*Machine).RequestStop, Stop, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New(nil)
			m.state.Store(int32(tt.from))

			assert.Equal(t, tt.changed, tt.op(m))
			assert.Equal(t, tt.want, m.State())
		})
	}
}

func TestUpgradeHandoffSequence(t *testing.T) {
	m := New(nil)

	require.True(t, m.RequestPause())
	require.True(t, m.ConfirmPaused())
	require.True(t, m.RequestStop())
	assert.True(t, m.IsStopRequested())
	assert.False(t, m.IsRunning())
}

// Any random sequence of operations must end in a state reachable through legal
// transitions, and once Stop is observed it never changes.
func TestRandomSequences_StopIsTerminal(t *testing.T) {
	ops := []func(*Machine) bool{
		(*Machine).RequestPause,
		(*Machine).ConfirmPaused,
		(*Machine).Resume,
		(*Machine).RequestStop,
	}
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 500; run++ {
		m := New(nil)
		stopped := false
		for step := 0; step < 20; step++ {
			before := m.State()
			changed := ops[rng.Intn(len(ops))](m)
			after := m.State()

			if stopped {
				require.Equal(t, Stop, after, "run %d step %d left Stop", run, step)
				require.False(t, changed)
			}
			if changed {
				require.True(t, legal(before, after), "illegal %s -> %s", before, after)
			} else {
				require.Equal(t, before, after)
			}
			stopped = after == Stop
		}
	}
}

func TestConcurrentPause_OnlyOneWins(t *testing.T) {
	m := New(nil)
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.RequestPause() {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, Pause, m.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RUNNING", Running.String())
	assert.Equal(t, "PAUSE", Pause.String())
	assert.Equal(t, "PAUSED", Paused.String())
	assert.Equal(t, "STOP", Stop.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}

func legal(from, to State) bool {
	switch {
	case to == Stop:
		return from != Stop
	case from == Running:
		return to == Pause
	case from == Pause:
		return to == Paused || to == Running
	case from == Paused:
		return to == Running
	}
	return false
}
