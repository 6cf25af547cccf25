package transport

import "sync/atomic"

// Relayed sends chat payloads through the signaling connection. It is
// open whenever signaling is connected and the peer is present in the
// room; the signaling session flips that bit from its event handlers.
type Relayed struct {
	send func(data []byte) error
	open atomic.Bool
}

func NewRelayed(send func(data []byte) error) *Relayed {
	return &Relayed{send: send}
}

func (r *Relayed) SetOpen(open bool) {
	r.open.Store(open)
}

func (r *Relayed) State() State {
	if r.open.Load() {
		return StateOpen
	}
	return StateClosed
}

func (r *Relayed) Send(data []byte) error {
	if !r.open.Load() {
		return ErrNotOpen
	}
	return r.send(data)
}
