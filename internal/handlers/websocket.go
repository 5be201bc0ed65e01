package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// SignalingHandler serves the relay websocket endpoint.
type SignalingHandler struct {
	hub       *relay.Hub
	sendQueue int
	logger    zerolog.Logger
}

// NewSignalingHandler creates a relay endpoint backed by hub. sendQueue is the
// outbound queue length of each connection.
func NewSignalingHandler(hub *relay.Hub, sendQueue int, logger zerolog.Logger) *SignalingHandler {
	if sendQueue <= 0 {
		sendQueue = 256
	}
	return &SignalingHandler{
		hub:       hub,
		sendQueue: sendQueue,
		logger:    logger.With().Str("component", "ws").Logger(),
	}
}

// Client is one relay websocket connection. A connection may join several
// rooms, each under one peer id.
type Client struct {
	id   string
	Conn *websocket.Conn
	Send chan []byte

	hub    *relay.Hub
	logger zerolog.Logger

	// rooms maps room id to the peer id joined there. Only readPump touches it.
	rooms map[string]string

	mu     sync.Mutex
	closed bool
}

// Compile-time interface check.
var _ relay.Member = (*Client)(nil)

// Handle upgrades the request and runs the connection until it closes.
func (h *SignalingHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}

	client := &Client{
		id:    uuid.New().String(),
		Conn:  conn,
		Send:  make(chan []byte, h.sendQueue),
		hub:   h.hub,
		rooms: make(map[string]string),
	}
	client.logger = h.logger.With().Str("conn", client.id).Logger()
	client.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("relay connection opened")

	go client.writePump()
	go client.readPump()
}

// ID identifies the connection.
func (c *Client) ID() string { return c.id }

// Deliver queues msg for the write pump. It never blocks; a full queue or a
// closed connection rejects the message.
func (c *Client) Deliver(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) readPump() {
	defer func() {
		for roomID, peerID := range c.rooms {
			c.hub.Leave(roomID, peerID, c)
		}
		c.close()
		c.Conn.Close()
		c.logger.Debug().Msg("relay connection closed")
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket error")
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.sendError("malformed message")
			continue
		}

		switch env.Event {
		case models.EventJoinRoom:
			c.handleJoin(env.Data)
		case models.EventLeaveRoom:
			c.handleLeave(env.Data)
		case models.EventWebRTCSignal:
			c.handleSignal(env.Data)
		default:
			c.sendError("unknown event: " + env.Event)
		}
	}
}

func (c *Client) handleJoin(data json.RawMessage) {
	var req models.RoomPresence
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" || req.PlayerID == "" {
		c.sendError("join-room requires roomId and playerId")
		return
	}

	if previous, ok := c.rooms[req.RoomID]; ok && previous != req.PlayerID {
		c.hub.Leave(req.RoomID, previous, c)
		delete(c.rooms, req.RoomID)
	}
	if _, ok := c.rooms[req.RoomID]; ok {
		// Already joined under this id: nothing is buffered for it, so only
		// the acknowledgement is repeated.
		if ack, err := models.EncodeEnvelope(models.EventRoomJoined, req); err == nil {
			c.Deliver(ack)
		}
		return
	}
	c.rooms[req.RoomID] = req.PlayerID
	c.hub.Join(req.RoomID, req.PlayerID, c)
}

func (c *Client) handleLeave(data json.RawMessage) {
	var req models.RoomPresence
	if err := json.Unmarshal(data, &req); err != nil || req.RoomID == "" {
		c.sendError("leave-room requires roomId")
		return
	}
	peerID, ok := c.rooms[req.RoomID]
	if !ok {
		return
	}
	delete(c.rooms, req.RoomID)
	c.hub.Leave(req.RoomID, peerID, c)
}

func (c *Client) handleSignal(data json.RawMessage) {
	var sig models.Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		c.sendError("malformed signal")
		return
	}

	peerID, ok := c.rooms[sig.RoomID]
	if !ok {
		c.sendError(relay.ErrNotJoined.Error())
		return
	}
	// The relay vouches for the sender.
	sig.From = peerID

	if err := sig.Validate(); err != nil {
		c.sendError(err.Error())
		return
	}
	if err := c.hub.Relay(sig); err != nil {
		if errors.Is(err, relay.ErrNotJoined) {
			c.sendError(err.Error())
			return
		}
		c.logger.Error().Err(err).Msg("failed to relay signal")
	}
}

func (c *Client) sendError(message string) {
	data, err := models.EncodeEnvelope(models.EventError, models.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	if !c.Deliver(data) {
		c.logger.Warn().Str("error", message).Msg("failed to queue error event")
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
