package handlers

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mossy-p/mesh-signaling/internal/middleware"
	"github.com/mossy-p/mesh-signaling/internal/models"
	"github.com/mossy-p/mesh-signaling/internal/redis"
	"github.com/mossy-p/mesh-signaling/internal/relay"
)

const (
	defaultMaxPlayers = 8
	codeChars         = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars
	storeTimeout      = 5 * time.Second
)

// RoomStore persists room metadata.
type RoomStore interface {
	SaveRoom(ctx context.Context, room models.RoomMetadata) error
	GetRoom(ctx context.Context, identifier string) (*models.RoomMetadata, error)
	DeleteRoom(ctx context.Context, room models.RoomMetadata) error
}

// Compile-time interface check.
var _ RoomStore = (*redis.Store)(nil)

// RoomHandler serves the room registry API.
type RoomHandler struct {
	store  RoomStore
	hub    *relay.Hub
	logger zerolog.Logger
}

func NewRoomHandler(store RoomStore, hub *relay.Hub, logger zerolog.Logger) *RoomHandler {
	return &RoomHandler{
		store:  store,
		hub:    hub,
		logger: logger.With().Str("component", "rooms").Logger(),
	}
}

// Create creates a new room (requires authentication)
func (h *RoomHandler) Create(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.MaxPlayers == 0 {
		req.MaxPlayers = defaultMaxPlayers
	}

	code, err := generateRoomCode()
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to generate room code")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}
	room := models.RoomMetadata{
		ID:         uuid.New().String(),
		Code:       code,
		CreatorID:  userID,
		CreatedAt:  time.Now().UTC(),
		MaxPlayers: req.MaxPlayers,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	if err := h.store.SaveRoom(ctx, room); err != nil {
		h.logger.Error().Err(err).Msg("failed to store room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create room"})
		return
	}

	h.logger.Info().Str("room", room.ID).Str("code", room.Code).Str("user", userID).Msg("room created")
	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID: room.ID,
		Code:   room.Code,
	})
}

// Get returns room information by code or id (public)
func (h *RoomHandler) Get(c *gin.Context) {
	room, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, room)
}

// Delete deletes a room (requires authentication and creator)
func (h *RoomHandler) Delete(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	room, ok := h.lookup(c)
	if !ok {
		return
	}
	if room.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	if err := h.store.DeleteRoom(ctx, *room); err != nil {
		h.logger.Error().Err(err).Str("room", room.ID).Msg("failed to delete room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
		return
	}

	h.logger.Info().Str("room", room.ID).Str("user", userID).Msg("room deleted")
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// Presence lists the peers the relay currently holds as joined. Relay rooms
// need not be registered; a registered room code is resolved to its id.
func (h *RoomHandler) Presence(c *gin.Context) {
	roomID := c.Param("roomId")

	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()
	if room, err := h.store.GetRoom(ctx, roomID); err == nil {
		roomID = room.ID
	} else if !errors.Is(err, redis.ErrRoomNotFound) {
		h.logger.Warn().Err(err).Str("room", roomID).Msg("room lookup failed")
	}

	peers := h.hub.Members(roomID)
	if peers == nil {
		peers = []string{}
	}
	c.JSON(http.StatusOK, models.PresenceResponse{RoomID: roomID, PeerIDs: peers})
}

func (h *RoomHandler) lookup(c *gin.Context) (*models.RoomMetadata, bool) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), storeTimeout)
	defer cancel()

	room, err := h.store.GetRoom(ctx, c.Param("roomId"))
	if err != nil {
		if errors.Is(err, redis.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		} else {
			h.logger.Error().Err(err).Msg("failed to load room")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
		}
		return nil, false
	}
	return room, true
}

// generateRoomCode generates a random room code
func generateRoomCode() (string, error) {
	code := make([]byte, redis.RoomCodeLength)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		if err != nil {
			return "", err
		}
		code[i] = codeChars[n.Int64()]
	}
	return string(code), nil
}
