package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeChannel struct {
	state  State
	closed bool
}

func (f *fakeChannel) State() State           { return f.state }
func (f *fakeChannel) Send(data []byte) error { return nil }
func (f *fakeChannel) Close()                 { f.closed = true }

func TestHandleLifecycle(t *testing.T) {
	h := AbsentHandle()
	assert.Equal(t, HandleAbsent, h.Phase())
	_, ok := h.Instance()
	assert.False(t, ok)

	ch := &fakeChannel{state: StateNegotiating}
	h = PendingHandle(ch)
	assert.Equal(t, HandlePending, h.Phase())
	_, ready := h.Ready()
	assert.False(t, ready, "pending is not ready")
	got, ok := h.Instance()
	assert.True(t, ok)
	assert.Same(t, ch, got)

	h = h.Promote()
	assert.Equal(t, HandleReady, h.Phase())
	rdy, ready := h.Ready()
	assert.True(t, ready)
	assert.Same(t, ch, rdy)

	h = h.Demote()
	assert.Equal(t, HandlePending, h.Phase())
	_, ready = h.Ready()
	assert.False(t, ready)
}

func TestPromoteAbsentIsNoOp(t *testing.T) {
	h := AbsentHandle().Promote()
	assert.Equal(t, HandleAbsent, h.Phase())
}

func TestReleaseClosesChannel(t *testing.T) {
	ch := &fakeChannel{}
	h := PendingHandle(ch).Release()
	assert.True(t, ch.closed)
	assert.Equal(t, HandleAbsent, h.Phase())

	// Releasing an absent handle must not panic.
	h = h.Release()
	assert.Equal(t, HandleAbsent, h.Phase())
}

func TestRelayedGatesOnOpen(t *testing.T) {
	var sent [][]byte
	r := NewRelayed(func(data []byte) error {
		sent = append(sent, data)
		return nil
	})

	assert.Equal(t, StateClosed, r.State())
	assert.ErrorIs(t, r.Send([]byte("x")), ErrNotOpen)
	assert.Empty(t, sent)

	r.SetOpen(true)
	assert.Equal(t, StateOpen, r.State())
	assert.NoError(t, r.Send([]byte("x")))
	assert.Len(t, sent, 1)

	r.SetOpen(false)
	assert.ErrorIs(t, r.Send([]byte("y")), ErrNotOpen)
	assert.Len(t, sent, 1)
}
