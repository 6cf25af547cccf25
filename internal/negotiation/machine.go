// Package negotiation drives the offer/answer/candidate handshake for
// the direct transport under a fixed asymmetric role. The machine is not
// goroutine-safe on purpose: the session orchestrator serializes every
// transition on its event loop.
package negotiation

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
	"github.com/dkeye/Duet/internal/transport"
)

var ErrNoLink = errors.New("no peer link")

type State int

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingOffer
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PeerLink is the slice of the direct transport the machine drives. The
// concrete implementation is transport.Direct; tests substitute fakes.
type PeerLink interface {
	CreateOffer() (string, error)
	HandleOffer(sdp string) (answer string, err error)
	HandleAnswer(sdp string) error
	AddCandidate(c protocol.IceCandidate) error
	Close()
}

// LinkFactory builds a fresh peer link. The orchestrator's factory wires
// transport callbacks back onto its event loop and records ownership in
// the transport handle.
type LinkFactory func() (PeerLink, error)

// Events are the machine's outputs.
type Events struct {
	SendSignal    func(protocol.Signal) error
	OnStateChange func(State)
}

type Machine struct {
	role    domain.Role
	newLink LinkFactory
	ev      Events

	state     State
	link      PeerLink
	remoteSet bool
	// buffered holds candidates that arrived before the remote session
	// description was applied. Out-of-order arrival is expected, not an
	// error; the batch is flushed once the description is set.
	buffered []protocol.IceCandidate
}

func NewMachine(role domain.Role, newLink LinkFactory, ev Events) *Machine {
	return &Machine{role: role, newLink: newLink, ev: ev, state: StateIdle}
}

func (m *Machine) State() State { return m.state }

// Start begins (or restarts) a handshake. Any previous link is torn down
// first so two transports never race for the same logical channel.
func (m *Machine) Start() error {
	m.teardown()
	link, err := m.newLink()
	if err != nil {
		m.setState(StateFailed)
		return fmt.Errorf("create peer link: %w", err)
	}
	m.link = link

	if m.role == domain.RoleInitiator {
		m.setState(StateOffering)
		sdp, err := link.CreateOffer()
		if err != nil {
			m.fail(err)
			return fmt.Errorf("create offer: %w", err)
		}
		if err := m.ev.SendSignal(protocol.Offer{SDP: sdp}); err != nil {
			m.fail(err)
			return fmt.Errorf("send offer: %w", err)
		}
		m.setState(StateNegotiating)
		return nil
	}
	m.setState(StateAwaitingOffer)
	return nil
}

// Stop tears the handshake down and returns to Idle.
func (m *Machine) Stop() {
	m.teardown()
	m.setState(StateIdle)
}

// HandleSignal feeds one inbound signal through the machine. Presence
// signals other than PeerReconnected belong to the orchestrator and are
// ignored here; the switch stays exhaustive over the sealed set.
func (m *Machine) HandleSignal(sig protocol.Signal) {
	switch s := sig.(type) {
	case protocol.Offer:
		m.handleOffer(s)
	case protocol.Answer:
		m.handleAnswer(s)
	case protocol.IceCandidate:
		m.handleCandidate(s)
	case protocol.PeerReconnected:
		m.handlePeerReconnected(s)
	case protocol.PeerJoined, protocol.PeerLeft, protocol.SignalError:
	}
}

// HandleTransportState reacts to the direct transport's state changes.
func (m *Machine) HandleTransportState(ts transport.State) {
	switch ts {
	case transport.StateOpen:
		if m.state == StateNegotiating {
			m.setState(StateConnected)
		}
	case transport.StateFailed, transport.StateClosed:
		if m.state == StateNegotiating || m.state == StateConnected {
			m.setState(StateDisconnected)
		}
	case transport.StateNew, transport.StateNegotiating:
	}
}

func (m *Machine) handleOffer(o protocol.Offer) {
	if m.role != domain.RoleJoiner || m.state != StateAwaitingOffer {
		log.Warn().Str("module", "negotiation").Str("state", m.state.String()).Msg("offer ignored")
		return
	}
	if m.link == nil {
		m.fail(ErrNoLink)
		return
	}
	answer, err := m.link.HandleOffer(o.SDP)
	if err != nil {
		m.fail(err)
		return
	}
	m.remoteSet = true
	m.flushCandidates()
	if err := m.ev.SendSignal(protocol.Answer{SDP: answer}); err != nil {
		m.fail(err)
		return
	}
	m.setState(StateNegotiating)
}

func (m *Machine) handleAnswer(a protocol.Answer) {
	if m.role != domain.RoleInitiator || m.state != StateNegotiating || m.remoteSet {
		log.Warn().Str("module", "negotiation").Str("state", m.state.String()).Msg("answer ignored")
		return
	}
	if m.link == nil {
		m.fail(ErrNoLink)
		return
	}
	if err := m.link.HandleAnswer(a.SDP); err != nil {
		m.fail(err)
		return
	}
	m.remoteSet = true
	m.flushCandidates()
}

func (m *Machine) handleCandidate(c protocol.IceCandidate) {
	if m.link == nil || !m.remoteSet {
		m.buffered = append(m.buffered, c)
		return
	}
	if err := m.link.AddCandidate(c); err != nil {
		log.Warn().Err(err).Str("module", "negotiation").Msg("candidate rejected")
	}
}

func (m *Machine) flushCandidates() {
	for _, c := range m.buffered {
		if err := m.link.AddCandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "negotiation").Msg("buffered candidate rejected")
		}
	}
	m.buffered = nil
}

// handlePeerReconnected applies the fixed-role restart rule: the
// Initiator re-offers when the Joiner restarted; the Joiner waits
// passively when the Initiator restarted. Both sides never offer at
// once, which is what keeps glare out.
func (m *Machine) handlePeerReconnected(pr protocol.PeerReconnected) {
	switch {
	case m.role == domain.RoleInitiator && !pr.WasInitiator:
		log.Info().Str("module", "negotiation").Msg("joiner restarted, re-offering")
		if err := m.Start(); err != nil {
			log.Error().Err(err).Str("module", "negotiation").Msg("re-offer failed")
		}
	case m.role == domain.RoleJoiner && pr.WasInitiator:
		log.Info().Str("module", "negotiation").Msg("initiator restarted, awaiting fresh offer")
		m.teardown()
		link, err := m.newLink()
		if err != nil {
			m.setState(StateFailed)
			return
		}
		m.link = link
		m.setState(StateAwaitingOffer)
	}
}

func (m *Machine) fail(err error) {
	log.Error().Err(err).Str("module", "negotiation").Msg("negotiation failed")
	m.teardown()
	m.setState(StateFailed)
}

func (m *Machine) teardown() {
	if m.link != nil {
		m.link.Close()
		m.link = nil
	}
	m.remoteSet = false
	m.buffered = nil
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.ev.OnStateChange != nil {
		m.ev.OnStateChange(s)
	}
}
