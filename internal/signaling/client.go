// Package signaling maintains the client side of the relay control
// connection: candidate-address dialing, reconnect with capped backoff,
// keepalive, request/response correlation for room operations, and the
// multiplexing of negotiation signals and relay-mode chat payloads over
// the one websocket.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
)

var (
	ErrAllCandidatesFailed = errors.New("all signaling candidates failed")
	ErrNotConnected        = errors.New("signaling not connected")
	ErrBackpressure        = errors.New("backpressure")

	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room full")
)

const (
	keepaliveInterval = 30 * time.Second
	writeDeadline     = 5 * time.Second
	sendBuffer        = 32
)

// Handlers receive inbound traffic. All callbacks run on the read loop
// goroutine; the owner funnels them onto its own event loop.
type Handlers struct {
	OnSignal         func(roomID domain.RoomID, sig protocol.Signal)
	OnRelayedPayload func(roomID domain.RoomID, payload protocol.ChatPayload)
	OnConnected      func()
	// OnDisconnected reports a lost connection. permanent means the
	// reconnect budget is exhausted and only an explicit restart by the
	// orchestrator will bring the session back.
	OnDisconnected func(permanent bool)
}

type roomResult struct {
	roomID domain.RoomID
	err    error
}

// Client owns one control connection to the relay.
type Client struct {
	urls  []string
	token string
	hs    Handlers

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan []byte
	pending  map[domain.RoomID]chan roomResult
	peerID   string
	closing  bool
	attempts int
	retry    *time.Timer
}

func New(urls []string, token string, hs Handlers) *Client {
	return &Client{
		urls:    urls,
		token:   token,
		hs:      hs,
		pending: make(map[domain.RoomID]chan roomResult),
	}
}

// Connect dials each candidate address in order until one succeeds.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closing = false
	c.attempts = 0
	c.mu.Unlock()
	return c.dial(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	for _, url := range c.urls {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			log.Warn().Err(err).Str("module", "signaling").Str("url", url).Msg("dial candidate failed")
			continue
		}
		c.mu.Lock()
		c.conn = ws
		c.send = make(chan []byte, sendBuffer)
		c.attempts = 0
		send := c.send
		c.mu.Unlock()

		go c.writePump(ws, send)
		go c.readPump(ws)
		log.Info().Str("module", "signaling").Str("url", url).Msg("connected")
		return nil
	}
	return ErrAllCandidatesFailed
}

// PeerID returns the relay-assigned id for this connection.
func (c *Client) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// CreateRoom asks the relay for a new room. With an empty id the relay
// generates the code. Blocks until the matching response arrives or ctx
// expires; timing out is the caller's job.
func (c *Client) CreateRoom(ctx context.Context, id domain.RoomID) (domain.RoomID, error) {
	return c.roomRequest(ctx, protocol.Frame{Type: protocol.FrameCreateRoom, RoomID: id})
}

// JoinRoom joins an existing room, or rejoins one this client previously
// occupied.
func (c *Client) JoinRoom(ctx context.Context, id domain.RoomID) error {
	_, err := c.roomRequest(ctx, protocol.Frame{Type: protocol.FrameJoinRoom, RoomID: id})
	return err
}

func (c *Client) roomRequest(ctx context.Context, f protocol.Frame) (domain.RoomID, error) {
	ch := make(chan roomResult, 1)
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	if _, dup := c.pending[f.RoomID]; dup {
		c.mu.Unlock()
		return "", fmt.Errorf("room request already pending for %q", f.RoomID)
	}
	c.pending[f.RoomID] = ch
	c.mu.Unlock()

	if err := c.sendFrame(f); err != nil {
		c.dropPending(f.RoomID)
		return "", err
	}

	select {
	case res := <-ch:
		return res.roomID, res.err
	case <-ctx.Done():
		c.dropPending(f.RoomID)
		return "", ctx.Err()
	}
}

func (c *Client) dropPending(key domain.RoomID) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Client) resolvePending(key domain.RoomID, res roomResult) bool {
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

// SendEnvelope forwards a negotiation signal to the other room member.
func (c *Client) SendEnvelope(roomID domain.RoomID, sig protocol.Signal) error {
	data, err := protocol.EncodeSignal(sig)
	if err != nil {
		return err
	}
	return c.sendFrame(protocol.Frame{Type: protocol.FrameSignal, RoomID: roomID, Data: data})
}

// SendRelayedPayload carries a chat payload over the relay path.
func (c *Client) SendRelayedPayload(roomID domain.RoomID, p protocol.ChatPayload) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	return c.SendRelayedData(roomID, data)
}

// SendRelayedData carries an already-encoded chat payload verbatim. The
// relayed transport feeds this directly so payload bytes are identical on
// both paths.
func (c *Client) SendRelayedData(roomID domain.RoomID, data []byte) error {
	return c.sendFrame(protocol.Frame{Type: protocol.FrameRelayMessage, RoomID: roomID, Data: data})
}

func (c *Client) sendFrame(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closing {
		return ErrNotConnected
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close tears the connection down cleanly; no reconnect is scheduled.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) writePump(ws *websocket.Conn, send <-chan []byte) {
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		select {
		case data, ok := <-send:
			if !ok {
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("writePump set deadline")
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signaling").Msg("writePump write error")
				return
			}
		case <-keepalive.C:
			ping, _ := protocol.Frame{Type: protocol.FramePing}.Encode()
			_ = ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := ws.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(ws *websocket.Conn) {
	defer c.onClosed(ws)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signaling").Msg("dropping malformed frame")
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(f protocol.Frame) {
	switch f.Type {
	case protocol.FrameConnected:
		c.mu.Lock()
		c.peerID = f.PeerID
		c.mu.Unlock()
		if c.hs.OnConnected != nil {
			c.hs.OnConnected()
		}
	case protocol.FrameRoomCreated:
		if !c.resolvePending(f.RoomID, roomResult{roomID: f.RoomID}) {
			// Created without a requested id: the pending entry sits
			// under the empty key.
			c.resolvePending("", roomResult{roomID: f.RoomID})
		}
	case protocol.FrameRoomJoined:
		c.resolvePending(f.RoomID, roomResult{roomID: f.RoomID})
	case protocol.FrameError:
		reason := f.ErrorMessage()
		err := roomError(reason)
		if c.resolvePending(f.RoomID, roomResult{err: err}) {
			return
		}
		if c.resolvePending("", roomResult{err: err}) {
			return
		}
		if c.hs.OnSignal != nil {
			c.hs.OnSignal(f.RoomID, protocol.SignalError{Reason: reason})
		}
	case protocol.FramePeerJoined:
		c.emitSignal(f.RoomID, protocol.PeerJoined{PeerID: f.PeerID})
	case protocol.FramePeerLeft:
		c.emitSignal(f.RoomID, protocol.PeerLeft{PeerID: f.PeerID})
	case protocol.FramePeerReconnected:
		c.emitSignal(f.RoomID, protocol.PeerReconnected{PeerID: f.PeerID, WasInitiator: f.IsInitiator})
	case protocol.FrameSignal:
		sig, err := protocol.DecodeSignal(f.Data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signaling").Msg("dropping malformed signal")
			return
		}
		c.emitSignal(f.RoomID, sig)
	case protocol.FrameRelayMessage:
		payload, err := protocol.DecodePayload(f.Data)
		if err != nil {
			log.Warn().Err(err).Str("module", "signaling").Msg("dropping malformed relayed payload")
			return
		}
		if c.hs.OnRelayedPayload != nil {
			c.hs.OnRelayedPayload(f.RoomID, payload)
		}
	case protocol.FramePong:
	default:
		log.Warn().Str("module", "signaling").Str("type", string(f.Type)).Msg("unexpected frame from relay")
	}
}

func (c *Client) emitSignal(roomID domain.RoomID, sig protocol.Signal) {
	if c.hs.OnSignal != nil {
		c.hs.OnSignal(roomID, sig)
	}
}

// onClosed runs when the read loop exits. A locally requested close stays
// quiet; anything else schedules a reconnect with exponential backoff
// until the attempt cap.
func (c *Client) onClosed(ws *websocket.Conn) {
	_ = ws.Close()
	c.mu.Lock()
	if c.closing || c.conn != ws {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.send != nil {
		close(c.send)
		c.send = nil
	}
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	c.failPending(ErrNotConnected)

	if attempt > MaxReconnectAttempts {
		log.Error().Str("module", "signaling").Int("attempts", attempt-1).Msg("reconnect budget exhausted")
		if c.hs.OnDisconnected != nil {
			c.hs.OnDisconnected(true)
		}
		return
	}
	if c.hs.OnDisconnected != nil {
		c.hs.OnDisconnected(false)
	}
	delay := ReconnectDelay(attempt)
	log.Info().Str("module", "signaling").Int("attempt", attempt).Dur("delay", delay).Msg("scheduling reconnect")
	c.mu.Lock()
	c.retry = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.dial(ctx); err != nil {
		// All candidates down counts as one failed attempt; go around
		// the backoff loop again.
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return
		}
		if attempt > MaxReconnectAttempts {
			log.Error().Str("module", "signaling").Msg("reconnect budget exhausted")
			if c.hs.OnDisconnected != nil {
				c.hs.OnDisconnected(true)
			}
			return
		}
		c.mu.Lock()
		c.retry = time.AfterFunc(ReconnectDelay(attempt), c.reconnect)
		c.mu.Unlock()
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[domain.RoomID]chan roomResult)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- roomResult{err: err}
	}
}

func roomError(reason string) error {
	switch reason {
	case protocol.ReasonRoomExists:
		return ErrRoomExists
	case protocol.ReasonRoomNotFound:
		return ErrRoomNotFound
	case protocol.ReasonRoomFull:
		return ErrRoomFull
	default:
		return errors.New(reason)
	}
}
