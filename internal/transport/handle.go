package transport

// Channel is a Transport that can be torn down. Direct implements it;
// tests substitute fakes.
type Channel interface {
	Transport
	Close()
}

// HandlePhase enumerates direct-transport ownership: no instance, an
// instance still negotiating, or an instance with an open channel.
type HandlePhase int

const (
	HandleAbsent HandlePhase = iota
	HandlePending
	HandleReady
)

// Handle owns at most one direct transport at a time. Modeling the three
// phases explicitly forces every call site to decide what to do when the
// channel does not exist yet, instead of chasing nil references.
type Handle struct {
	phase   HandlePhase
	channel Channel
}

func AbsentHandle() Handle {
	return Handle{phase: HandleAbsent}
}

func PendingHandle(ch Channel) Handle {
	return Handle{phase: HandlePending, channel: ch}
}

func (h Handle) Phase() HandlePhase { return h.phase }

// Promote marks a pending handle ready once its channel opened. Promoting
// an absent handle is a no-op.
func (h Handle) Promote() Handle {
	if h.phase == HandlePending {
		return Handle{phase: HandleReady, channel: h.channel}
	}
	return h
}

// Demote returns a ready handle to pending when its channel stops being
// open, so derived status never reports a dead channel as live.
func (h Handle) Demote() Handle {
	if h.phase == HandleReady {
		return Handle{phase: HandlePending, channel: h.channel}
	}
	return h
}

// Ready returns the channel only when it is open.
func (h Handle) Ready() (Channel, bool) {
	if h.phase == HandleReady {
		return h.channel, true
	}
	return nil, false
}

// Instance returns the owned channel in either live phase.
func (h Handle) Instance() (Channel, bool) {
	if h.phase == HandleAbsent {
		return nil, false
	}
	return h.channel, true
}

// Release closes the owned instance, if any, and returns an absent
// handle. Close-before-create: callers must Release the old handle
// before constructing a replacement transport.
func (h Handle) Release() Handle {
	if h.channel != nil {
		h.channel.Close()
	}
	return AbsentHandle()
}
