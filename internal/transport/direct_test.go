package transport

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Duet/internal/domain"
)

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func TestDirectTerminalStateSticks(t *testing.T) {
	rec := &stateRecorder{}
	d, err := NewDirect(DefaultWebRTCConfig(nil), domain.RoleInitiator, Callbacks{
		OnStateChange: rec.record,
	})
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, StateNew, d.State())

	d.setState(StateNegotiating)
	d.setState(StateOpen)
	assert.Equal(t, StateOpen, d.State())

	d.setState(StateFailed)
	d.setState(StateOpen)
	assert.Equal(t, StateFailed, d.State(), "terminal state never regresses")
	d.setState(StateNegotiating)
	assert.Equal(t, StateFailed, d.State())

	// Failed may still settle to Closed on teardown.
	d.setState(StateClosed)
	assert.Equal(t, StateClosed, d.State())
	d.setState(StateOpen)
	assert.Equal(t, StateClosed, d.State())

	assert.Equal(t, []State{StateNegotiating, StateOpen, StateFailed, StateClosed}, rec.all())
}

func TestDirectRepeatedStateIsSilent(t *testing.T) {
	rec := &stateRecorder{}
	d, err := NewDirect(DefaultWebRTCConfig(nil), domain.RoleJoiner, Callbacks{
		OnStateChange: rec.record,
	})
	require.NoError(t, err)
	defer d.Close()

	d.setState(StateOpen)
	d.setState(StateOpen)
	assert.Equal(t, []State{StateOpen}, rec.all())
}
