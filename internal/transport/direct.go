package transport

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
)

const chatChannelLabel = "chat"

// Callbacks route transport events back to the owning session. They are
// invoked from pion goroutines; the session is responsible for funneling
// them onto its event loop.
type Callbacks struct {
	OnCandidate   func(protocol.IceCandidate)
	OnMessage     func(data []byte)
	OnStateChange func(State)
}

// Direct wraps one PeerConnection plus its single chat data channel. The
// initiator creates the channel before offering; the joiner adopts it via
// OnDataChannel. One Direct maps to one negotiation attempt; restarts
// always close the old instance and build a new one.
type Direct struct {
	pc *webrtc.PeerConnection
	cb Callbacks

	mu        sync.Mutex
	state     State
	dc        *webrtc.DataChannel
	closeOnce sync.Once
}

func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: iceServers},
		},
	}
}

func NewDirect(cfg webrtc.Configuration, role domain.Role, cb Callbacks) (*Direct, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	d := &Direct{pc: pc, cb: cb, state: StateNew}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || d.cb.OnCandidate == nil {
			return
		}
		ci := cand.ToJSON()
		d.cb.OnCandidate(protocol.IceCandidate{
			Candidate:     ci.Candidate,
			SDPMid:        ci.SDPMid,
			SDPMLineIndex: ci.SDPMLineIndex,
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "transport.direct").Str("peer_connection_state", s.String()).Msg("peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			d.setState(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			d.setState(StateClosed)
		}
	})

	if role == domain.RoleInitiator {
		dc, err := pc.CreateDataChannel(chatChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		d.adoptChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != chatChannelLabel {
				log.Warn().Str("module", "transport.direct").Str("label", dc.Label()).Msg("unexpected data channel")
				return
			}
			d.adoptChannel(dc)
		})
	}
	return d, nil
}

func (d *Direct) adoptChannel(dc *webrtc.DataChannel) {
	d.mu.Lock()
	d.dc = dc
	d.mu.Unlock()

	dc.OnOpen(func() {
		log.Info().Str("module", "transport.direct").Msg("data channel open")
		d.setState(StateOpen)
	})
	dc.OnClose(func() {
		d.setState(StateClosed)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if d.cb.OnMessage != nil {
			d.cb.OnMessage(msg.Data)
		}
	})
}

func (d *Direct) setState(s State) {
	d.mu.Lock()
	old := d.state
	// Terminal states never regress; Failed may still settle to Closed.
	if old == s || ((old == StateClosed || old == StateFailed) && s != StateClosed) {
		d.mu.Unlock()
		return
	}
	d.state = s
	d.mu.Unlock()
	if d.cb.OnStateChange != nil {
		d.cb.OnStateChange(s)
	}
}

func (d *Direct) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Direct) Send(data []byte) error {
	d.mu.Lock()
	dc := d.dc
	d.mu.Unlock()
	if dc == nil || d.State() != StateOpen {
		return ErrNotOpen
	}
	if err := dc.Send(data); err != nil {
		return err
	}
	return nil
}

// CreateOffer produces and installs the local offer. Candidates trickle
// out through OnCandidate as they are gathered.
func (d *Direct) CreateOffer() (string, error) {
	offer, err := d.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := d.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	d.setState(StateNegotiating)
	return offer.SDP, nil
}

// HandleOffer applies the remote offer and produces the local answer.
func (d *Direct) HandleOffer(sdp string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := d.pc.SetRemoteDescription(remote); err != nil {
		return "", err
	}
	answer, err := d.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := d.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	d.setState(StateNegotiating)
	return answer.SDP, nil
}

// HandleAnswer applies the remote answer on the offering side.
func (d *Direct) HandleAnswer(sdp string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	return d.pc.SetRemoteDescription(remote)
}

func (d *Direct) AddCandidate(c protocol.IceCandidate) error {
	return d.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (d *Direct) Close() {
	d.closeOnce.Do(func() {
		if err := d.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "transport.direct").Msg("close error")
		}
		d.setState(StateClosed)
	})
}
