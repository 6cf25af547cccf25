// Package session hosts the top-level coordinator for one room lifecycle:
// it bridges signaling, negotiation, transports and delivery to the
// controller surface, and absorbs controller restarts without losing
// in-flight signaling or messages.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/delivery"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/negotiation"
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/dkeye/Duet/internal/signaling"
	"github.com/dkeye/Duet/internal/store"
	"github.com/dkeye/Duet/internal/transport"
)

var (
	ErrNoRoom     = errors.New("no active room")
	ErrRoomActive = errors.New("room already active")
	ErrTimeout    = errors.New("room operation timed out")
	ErrStopped    = errors.New("orchestrator stopped")
)

const defaultRoomTimeout = 5 * time.Second

// Status is derived from component state, never stored directly.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
)

// Signaling is the slice of the signaling client the orchestrator
// drives. signaling.Client satisfies it; tests substitute fakes.
type Signaling interface {
	Connect(ctx context.Context) error
	CreateRoom(ctx context.Context, id domain.RoomID) (domain.RoomID, error)
	JoinRoom(ctx context.Context, id domain.RoomID) error
	SendEnvelope(roomID domain.RoomID, sig protocol.Signal) error
	SendRelayedData(roomID domain.RoomID, data []byte) error
	Close()
}

// DirectChannel couples the negotiation view and the transport view of
// one direct instance. transport.Direct implements both.
type DirectChannel interface {
	negotiation.PeerLink
	transport.Transport
}

// Events are the externally observable outputs of a session. Callbacks
// run on the session's event loop: keep them fast and never call back
// into an Orchestrator method from inside one, or the loop deadlocks
// waiting on itself. Hand off to another goroutine for anything more.
type Events struct {
	OnMessage      func(rec domain.MessageRecord)
	OnStatusChange func(s Status)
	OnDelivered    func(id string)
	OnRead         func(id string)
	OnTyping       func(active bool)
}

type Config struct {
	SignalURLs  []string
	Token       string
	ICEServers  []string
	RoomTimeout time.Duration

	// Factory seams. Left nil they build the production signaling client
	// and pion-backed direct transport.
	NewSignaling func(hs signaling.Handlers) Signaling
	NewDirect    func(role domain.Role, cb transport.Callbacks) (DirectChannel, error)
}

// Orchestrator owns one Room and one instance of each collaborator. All
// state transitions run on a single event loop; callbacks from any
// component are funneled through post so no transition is re-entrant.
type Orchestrator struct {
	cfg   Config
	store store.Store
	ev    Events

	sig     Signaling
	events  chan func()
	stopped chan struct{}
	stop    sync.Once

	// Everything below is confined to the event loop.
	room              *domain.Room
	machine           *negotiation.Machine
	handle            transport.Handle
	relayed           *transport.Relayed
	deliv             *delivery.Delivery
	queue             pendingQueue
	roomPending       bool
	attached          bool
	hasAttachedBefore bool
	peerPresent       bool
	signalingUp       bool
	permanentDown     bool
	linkGen           int
	lastStatus        Status
}

func New(cfg Config, st store.Store, ev Events) *Orchestrator {
	if cfg.RoomTimeout == 0 {
		cfg.RoomTimeout = defaultRoomTimeout
	}
	o := &Orchestrator{
		cfg:        cfg,
		store:      st,
		ev:         ev,
		events:     make(chan func(), 64),
		stopped:    make(chan struct{}),
		handle:     transport.AbsentHandle(),
		lastStatus: StatusDisconnected,
	}
	if o.cfg.NewSignaling == nil {
		o.cfg.NewSignaling = func(hs signaling.Handlers) Signaling {
			return signaling.New(cfg.SignalURLs, cfg.Token, hs)
		}
	}
	if o.cfg.NewDirect == nil {
		o.cfg.NewDirect = func(role domain.Role, cb transport.Callbacks) (DirectChannel, error) {
			return transport.NewDirect(transport.DefaultWebRTCConfig(cfg.ICEServers), role, cb)
		}
	}
	return o
}

// Start connects signaling and begins the event loop. The loop runs
// until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.sig = o.cfg.NewSignaling(signaling.Handlers{
		OnSignal: func(roomID domain.RoomID, sig protocol.Signal) {
			o.post(func() { o.onSignal(roomID, sig) })
		},
		OnRelayedPayload: func(roomID domain.RoomID, p protocol.ChatPayload) {
			o.post(func() { o.onRelayedPayload(roomID, p) })
		},
		OnConnected: func() {
			o.post(o.onSignalingConnected)
		},
		OnDisconnected: func(permanent bool) {
			o.post(func() { o.onSignalingDisconnected(permanent) })
		},
	})
	go o.run(ctx)
	return o.sig.Connect(ctx)
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.stop.Do(func() { close(o.stopped) })
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-o.events:
			fn()
		}
	}
}

func (o *Orchestrator) post(fn func()) {
	select {
	case o.events <- fn:
	case <-o.stopped:
	}
}

// do runs fn on the event loop and waits for it. Calling it from the
// loop itself (an Events callback) would deadlock; see Events.
func (o *Orchestrator) do(fn func()) error {
	done := make(chan struct{})
	o.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-o.stopped:
		return ErrStopped
	}
}

// CreateRoom creates a fresh room on the relay and takes the Initiator
// role. Bounded by the room timeout; on timeout no room state is kept.
func (o *Orchestrator) CreateRoom(ctx context.Context, id domain.RoomID) (domain.RoomID, error) {
	if err := o.reserveRoom(); err != nil {
		return "", err
	}
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RoomTimeout)
	defer cancel()
	roomID, err := o.sig.CreateRoom(rctx, id)
	if err != nil {
		o.releaseReservation()
		return "", mapTimeout(err)
	}
	err = o.do(func() { o.setupRoom(roomID, domain.RoleInitiator, false) })
	return roomID, err
}

// JoinRoom joins an existing room as the Joiner.
func (o *Orchestrator) JoinRoom(ctx context.Context, id domain.RoomID) error {
	if err := domain.ValidateRoomID(id); err != nil {
		return err
	}
	if err := o.reserveRoom(); err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, o.cfg.RoomTimeout)
	defer cancel()
	if err := o.sig.JoinRoom(rctx, id); err != nil {
		o.releaseReservation()
		return mapTimeout(err)
	}
	return o.do(func() {
		// Join success implies the creator is present; a peer-left event
		// corrects this if it has since dropped.
		o.setupRoom(id, domain.RoleJoiner, true)
	})
}

// reserveRoom checks and claims the room slot in one loop turn, so two
// concurrent create/join calls can never both proceed. The reservation
// is consumed by setupRoom or returned by releaseReservation.
func (o *Orchestrator) reserveRoom() error {
	if o.sig == nil {
		return ErrStopped
	}
	var err error
	if doErr := o.do(func() {
		if o.room != nil || o.roomPending {
			err = ErrRoomActive
			return
		}
		o.roomPending = true
	}); doErr != nil {
		return doErr
	}
	return err
}

func (o *Orchestrator) releaseReservation() {
	_ = o.do(func() { o.roomPending = false })
}

func mapTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func (o *Orchestrator) setupRoom(id domain.RoomID, role domain.Role, peerPresent bool) {
	o.roomPending = false
	o.room = &domain.Room{ID: id, Role: role}
	o.relayed = transport.NewRelayed(func(data []byte) error {
		return o.sig.SendRelayedData(id, data)
	})
	o.machine = negotiation.NewMachine(role, o.newLink, negotiation.Events{
		SendSignal: func(sig protocol.Signal) error {
			return o.sig.SendEnvelope(id, sig)
		},
		OnStateChange: func(negotiation.State) { o.emitStatus() },
	})
	o.deliv = delivery.New(o.store, id, o.currentDirect, o.relayed, delivery.Events{
		OnMessage:   o.ev.OnMessage,
		OnDelivered: o.ev.OnDelivered,
		OnRead:      o.ev.OnRead,
		OnTyping:    o.ev.OnTyping,
	})
	o.queue.clear()
	o.attached = false
	o.hasAttachedBefore = false
	o.peerPresent = peerPresent
	o.relayed.SetOpen(o.signalingUp && o.peerPresent)
	if role == domain.RoleJoiner {
		o.startMachine()
	}
	log.Info().Str("module", "session").Str("room", string(id)).Str("role", string(role)).Msg("room active")
	o.emitStatus()
}

// newLink is the machine's link factory. It enforces close-before-create
// and stamps callbacks with a generation so events from a torn-down
// transport cannot leak into its successor.
func (o *Orchestrator) newLink() (negotiation.PeerLink, error) {
	o.handle = o.handle.Release()
	o.linkGen++
	gen := o.linkGen
	roomID := o.room.ID
	cb := transport.Callbacks{
		OnCandidate: func(c protocol.IceCandidate) {
			o.post(func() {
				if gen != o.linkGen || o.room == nil {
					return
				}
				if err := o.sig.SendEnvelope(roomID, c); err != nil {
					log.Warn().Err(err).Str("module", "session").Msg("candidate not sent")
				}
			})
		},
		OnMessage: func(data []byte) {
			o.post(func() {
				if gen != o.linkGen {
					return
				}
				o.inboundDirect(data)
			})
		},
		OnStateChange: func(s transport.State) {
			o.post(func() {
				if gen != o.linkGen {
					return
				}
				o.onDirectState(s)
			})
		},
	}
	ch, err := o.cfg.NewDirect(o.room.Role, cb)
	if err != nil {
		return nil, err
	}
	o.handle = transport.PendingHandle(ch)
	return ch, nil
}

func (o *Orchestrator) currentDirect() transport.Transport {
	if ch, ok := o.handle.Instance(); ok {
		return ch
	}
	return nil
}

func (o *Orchestrator) startMachine() {
	if o.machine == nil {
		return
	}
	if err := o.machine.Start(); err != nil {
		log.Error().Err(err).Str("module", "session").Msg("negotiation start failed")
	}
}

func (o *Orchestrator) onDirectState(s transport.State) {
	switch s {
	case transport.StateOpen:
		o.handle = o.handle.Promote()
		if o.deliv != nil {
			o.deliv.FlushUnsent(context.Background())
		}
	case transport.StateClosed, transport.StateFailed:
		o.handle = o.handle.Demote()
	}
	if o.machine != nil {
		o.machine.HandleTransportState(s)
	}
	o.emitStatus()
}

func (o *Orchestrator) inboundDirect(data []byte) {
	if o.deliv == nil {
		return
	}
	p, err := protocol.DecodePayload(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("dropping malformed direct payload")
		return
	}
	if !o.attached {
		o.queue.pushPayload(p, transport.PathDirect)
		return
	}
	o.deliv.HandleInbound(context.Background(), p, transport.PathDirect)
}

func (o *Orchestrator) onSignal(roomID domain.RoomID, sig protocol.Signal) {
	if o.room == nil || roomID != o.room.ID {
		return
	}
	switch s := sig.(type) {
	case protocol.PeerJoined:
		o.peerPresent = true
		o.openRelayed(o.signalingUp)
		// The joiner just arrived; the initiator opens the handshake.
		if o.room.Role == domain.RoleInitiator {
			o.startMachine()
		}
		o.emitStatus()
	case protocol.PeerLeft:
		o.peerPresent = false
		o.relayed.SetOpen(false)
		o.emitStatus()
	case protocol.PeerReconnected:
		o.peerPresent = true
		o.openRelayed(o.signalingUp)
		o.dispatchSignal(s)
		o.emitStatus()
	case protocol.Offer, protocol.Answer, protocol.IceCandidate:
		o.dispatchSignal(s)
	case protocol.SignalError:
		log.Warn().Str("module", "session").Str("reason", s.Reason).Msg("relay reported error")
	}
}

// dispatchSignal hands a negotiation signal to the machine, or buffers
// it while the controller surface is detached.
func (o *Orchestrator) dispatchSignal(sig protocol.Signal) {
	if !o.attached {
		o.queue.pushSignal(sig)
		return
	}
	if o.machine != nil {
		o.machine.HandleSignal(sig)
	}
}

func (o *Orchestrator) onRelayedPayload(roomID domain.RoomID, p protocol.ChatPayload) {
	if o.room == nil || roomID != o.room.ID || o.deliv == nil {
		return
	}
	if !o.attached {
		o.queue.pushPayload(p, transport.PathRelayed)
		return
	}
	o.deliv.HandleInbound(context.Background(), p, transport.PathRelayed)
}

func (o *Orchestrator) onSignalingConnected() {
	o.signalingUp = true
	o.permanentDown = false
	if o.room != nil {
		o.openRelayed(o.peerPresent)
		o.rejoin()
	}
	o.emitStatus()
}

// openRelayed flips the relay path and, when it just became usable,
// retries messages that had no transport at send time. Without the
// flush here a message sent before the peer arrived would sit queued
// forever on a relay-only session.
func (o *Orchestrator) openRelayed(open bool) {
	o.relayed.SetOpen(open)
	if open && o.deliv != nil {
		o.deliv.FlushUnsent(context.Background())
	}
}

func (o *Orchestrator) onSignalingDisconnected(permanent bool) {
	o.signalingUp = false
	o.permanentDown = permanent
	if o.relayed != nil {
		o.relayed.SetOpen(false)
	}
	o.emitStatus()
}

// rejoin restores room membership after a signaling reconnect. The relay
// recognizes the returning client and tells the peer it reconnected.
func (o *Orchestrator) rejoin() {
	roomID := o.room.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.RoomTimeout)
		defer cancel()
		if err := o.sig.JoinRoom(ctx, roomID); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("room", string(roomID)).Msg("rejoin failed")
			return
		}
		o.post(func() {
			if o.room == nil || o.room.ID != roomID {
				return
			}
			// The direct channel may have survived the signaling outage;
			// only rebuild the handshake when it did not.
			if _, ready := o.handle.Ready(); !ready && o.peerPresent {
				o.startMachine()
			}
		})
	}()
}

// Attach connects a controller surface. The first attach after room
// creation is the original session start; every later one re-announces
// the session so the peer knows the negotiation machinery was rebuilt.
// Buffered traffic is flushed in arrival order exactly once.
func (o *Orchestrator) Attach() error {
	return o.do(func() {
		if o.attached {
			return
		}
		o.attached = true
		first := !o.hasAttachedBefore
		o.hasAttachedBefore = true

		for _, it := range o.queue.drain() {
			if it.payload != nil {
				if o.deliv != nil {
					o.deliv.HandleInbound(context.Background(), *it.payload, it.via)
				}
				continue
			}
			if o.machine != nil {
				o.machine.HandleSignal(it.sig)
			}
		}

		if !first && o.room != nil {
			o.rejoin()
		}
	})
}

// Detach disconnects the controller surface without tearing down the
// room. Inbound negotiation signals and chat payloads queue up until the
// next Attach.
func (o *Orchestrator) Detach() error {
	return o.do(func() { o.attached = false })
}

// Send enqueues a message; it never blocks on transport readiness.
func (o *Orchestrator) Send(ctx context.Context, text string) (string, error) {
	var (
		id  string
		err error
	)
	doErr := o.do(func() {
		if o.room == nil {
			err = ErrNoRoom
			return
		}
		id, err = o.deliv.Send(ctx, text)
	})
	if doErr != nil {
		return "", doErr
	}
	return id, err
}

// SetTyping forwards a best-effort typing indicator.
func (o *Orchestrator) SetTyping(active bool) {
	_ = o.do(func() {
		if o.deliv != nil {
			o.deliv.SetTyping(active)
		}
	})
}

// MarkRead records that the peer message was displayed, and tells the
// peer. Called by the controller on its visibility/focus signal.
func (o *Orchestrator) MarkRead(ctx context.Context, id string) error {
	var err error
	doErr := o.do(func() {
		if o.deliv == nil {
			err = ErrNoRoom
			return
		}
		err = o.deliv.MarkRead(ctx, id)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// History lists the room's stored messages ordered by creation time.
func (o *Orchestrator) History(ctx context.Context) ([]domain.MessageRecord, error) {
	var roomID domain.RoomID
	if err := o.do(func() {
		if o.room != nil {
			roomID = o.room.ID
		}
	}); err != nil {
		return nil, err
	}
	if roomID == "" {
		return nil, ErrNoRoom
	}
	return o.store.ListByRoom(ctx, roomID)
}

// LeaveRoom synchronously closes both transports and the signaling
// connection. In-flight negotiation and queued traffic are discarded.
func (o *Orchestrator) LeaveRoom() error {
	return o.do(func() {
		if o.room == nil {
			return
		}
		roomID := o.room.ID
		if o.machine != nil {
			o.machine.Stop()
		}
		o.handle = o.handle.Release()
		if o.relayed != nil {
			o.relayed.SetOpen(false)
		}
		o.queue.clear()
		o.room = nil
		o.machine = nil
		o.deliv = nil
		o.relayed = nil
		o.peerPresent = false
		o.attached = false
		o.hasAttachedBefore = false
		o.sig.Close()
		if err := o.store.DeleteByRoom(context.Background(), roomID); err != nil {
			log.Warn().Err(err).Str("module", "session").Str("room", string(roomID)).Msg("room records not deleted")
		}
		log.Info().Str("module", "session").Str("room", string(roomID)).Msg("left room")
		o.emitStatus()
	})
}

// Reconnect explicitly restarts signaling after the automatic reconnect
// budget is exhausted.
func (o *Orchestrator) Reconnect(ctx context.Context) error {
	if o.sig == nil {
		return ErrStopped
	}
	return o.sig.Connect(ctx)
}

// Status derives the session's connectivity; it is never stored.
func (o *Orchestrator) Status() Status {
	var s Status
	if err := o.do(func() { s = o.computeStatus() }); err != nil {
		return StatusDisconnected
	}
	return s
}

func (o *Orchestrator) computeStatus() Status {
	if _, ready := o.handle.Ready(); ready {
		return StatusConnected
	}
	if o.room != nil && o.signalingUp && o.peerPresent {
		return StatusConnected
	}
	if o.room != nil && o.signalingUp {
		return StatusConnecting
	}
	return StatusDisconnected
}

func (o *Orchestrator) emitStatus() {
	s := o.computeStatus()
	if s == o.lastStatus {
		return
	}
	o.lastStatus = s
	log.Info().Str("module", "session").Str("status", string(s)).Msg("status changed")
	if o.ev.OnStatusChange != nil {
		o.ev.OnStatusChange(s)
	}
}
