package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/protocol"
)

const writeDeadline = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler terminates signaling websockets and routes frames between the
// two members of a room.
type Handler struct {
	Arena   *Arena
	Limiter *CreateRateLimiter
}

func NewHandler(arena *Arena, limiter *CreateRateLimiter) *Handler {
	return &Handler{Arena: arena, Limiter: limiter}
}

func (h *Handler) HandleWS(ctx context.Context, c *gin.Context) {
	clientID := c.GetString("client_id")
	log.Info().Str("module", "relay").Str("client", clientID).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}

	conn := newMemberConn(ws, clientID, uuid.NewString())
	h.sendFrame(conn, protocol.Frame{Type: protocol.FrameConnected, PeerID: conn.peerID})

	ctx, cancel := context.WithCancel(ctx)
	go h.writePump(ctx, conn)
	go h.readPump(ctx, cancel, conn)
}

func (h *Handler) writePump(ctx context.Context, c *memberConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump write error")
				return
			}
		}
	}
}

func (h *Handler) readPump(ctx context.Context, cancel context.CancelFunc, c *memberConn) {
	defer func() {
		h.onDisconnect(c)
		cancel()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "relay").Str("client", c.clientID).Msg("readPump closing")
				return
			}
			h.handleFrame(c, data)
		}
	}
}

// onDisconnect releases the member's slot and tells the counterpart. The
// slot stays reserved for a rejoin; only the sweeper reclaims it. When
// the client already rejoined on a fresh socket this disconnect is
// stale and announces nothing.
func (h *Handler) onDisconnect(c *memberConn) {
	roomID := c.room()
	if roomID == "" {
		return
	}
	if !h.Arena.Leave(roomID, c.clientID, c) {
		return
	}
	if other, ok := h.Arena.Other(roomID, c.clientID); ok {
		h.notify(other, protocol.Frame{Type: protocol.FramePeerLeft, RoomID: roomID, PeerID: c.peerID})
	}
}

func (h *Handler) handleFrame(c *memberConn, data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		h.sendFrame(c, protocol.ErrorFrame("", protocol.ReasonBadFrame))
		return
	}
	switch frame.Type {
	case protocol.FrameCreateRoom:
		h.handleCreate(c, frame)
	case protocol.FrameJoinRoom:
		h.handleJoin(c, frame)
	case protocol.FrameSignal, protocol.FrameRelayMessage:
		h.handleForward(c, frame)
	case protocol.FramePing:
		h.sendFrame(c, protocol.Frame{Type: protocol.FramePong})
	default:
		log.Warn().Str("module", "relay").Str("type", string(frame.Type)).Msg("unexpected frame")
		h.sendFrame(c, protocol.ErrorFrame(frame.RoomID, protocol.ReasonBadFrame))
	}
}

func (h *Handler) handleCreate(c *memberConn, f protocol.Frame) {
	if c.room() != "" {
		h.sendFrame(c, protocol.ErrorFrame(f.RoomID, protocol.ReasonBadFrame))
		return
	}
	if h.Limiter != nil && !h.Limiter.Allow(c.clientID) {
		h.sendFrame(c, protocol.ErrorFrame(f.RoomID, protocol.ReasonRateLimited))
		return
	}
	if f.RoomID != "" {
		if err := domain.ValidateRoomID(f.RoomID); err != nil {
			h.sendFrame(c, protocol.ErrorFrame(f.RoomID, protocol.ReasonBadFrame))
			return
		}
	}
	roomID, err := h.Arena.Create(f.RoomID, c.clientID, c.peerID, c)
	if err != nil {
		h.sendFrame(c, protocol.ErrorFrame(f.RoomID, protocol.ReasonRoomExists))
		return
	}
	c.setRoom(roomID)
	h.sendFrame(c, protocol.Frame{Type: protocol.FrameRoomCreated, RoomID: roomID})
}

func (h *Handler) handleJoin(c *memberConn, f protocol.Frame) {
	if err := domain.ValidateRoomID(f.RoomID); err != nil {
		h.sendFrame(c, protocol.ErrorFrame(f.RoomID, protocol.ReasonRoomNotFound))
		return
	}
	kind, member, err := h.Arena.Join(f.RoomID, c.clientID, c.peerID, c)
	switch err {
	case nil:
	case ErrRoomNotFound:
		h.sendFrame(c, protocol.ErrorFrame(f.RoomID, protocol.ReasonRoomNotFound))
		return
	case ErrRoomFull:
		h.sendFrame(c, protocol.ErrorFrame(f.RoomID, protocol.ReasonRoomFull))
		return
	default:
		h.sendFrame(c, protocol.ErrorFrame(f.RoomID, protocol.ReasonBadFrame))
		return
	}
	c.setRoom(f.RoomID)
	h.sendFrame(c, protocol.Frame{Type: protocol.FrameRoomJoined, RoomID: f.RoomID})

	other, ok := h.Arena.Other(f.RoomID, c.clientID)
	if !ok {
		return
	}
	switch kind {
	case JoinedNew:
		h.notify(other, protocol.Frame{Type: protocol.FramePeerJoined, RoomID: f.RoomID, PeerID: c.peerID})
	case Rejoined:
		h.notify(other, protocol.Frame{
			Type:        protocol.FramePeerReconnected,
			RoomID:      f.RoomID,
			PeerID:      c.peerID,
			IsInitiator: member.Initiator,
		})
	}
}

// handleForward relays signal and relay-message frames verbatim to the
// other member, stamping the sender's peer id. Frames are forwarded in
// receive order; the per-member write pump preserves it.
func (h *Handler) handleForward(c *memberConn, f protocol.Frame) {
	roomID := c.room()
	if roomID == "" || (f.RoomID != "" && f.RoomID != roomID) {
		h.sendFrame(c, protocol.ErrorFrame(f.RoomID, protocol.ReasonRoomNotFound))
		return
	}
	other, ok := h.Arena.Other(roomID, c.clientID)
	if !ok {
		// No counterpart connected; relayed chat is lost here and the
		// sender's delivery layer retries once presence returns.
		return
	}
	h.notify(other, protocol.Frame{Type: f.Type, RoomID: roomID, PeerID: c.peerID, Data: f.Data})
}

func (h *Handler) notify(m *Member, f protocol.Frame) {
	data, err := f.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode frame")
		return
	}
	if err := h.Arena.Send(m, data); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("peer", m.PeerID).Msg("notify dropped")
	}
}

func (h *Handler) sendFrame(c *memberConn, f protocol.Frame) {
	data, err := f.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode frame")
		return
	}
	if err := c.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("client", c.clientID).Msg("send dropped")
	}
}
