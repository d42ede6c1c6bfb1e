package handlers

import (
	"crypto/rand"
	"errors"
	"math/big"
	"net/http"

	"github.com/RaghavKatta/webcam-guess-game-online/internal/logger"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/middleware"
	"github.com/RaghavKatta/webcam-guess-game-online/internal/models"
	"github.com/gin-gonic/gin"
)

const codeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // Removed ambiguous chars

// GetRoom returns room metadata by code or ID (public)
func GetRoom(store RoomStore, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		room, err := store.Room(c.Request.Context(), c.Param("roomId"))
		if errors.Is(err, models.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("room lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
			return
		}
		c.JSON(http.StatusOK, room)
	}
}

// DeleteRoom deletes a room and disconnects its live members (requires
// authentication and creator)
func DeleteRoom(store RoomStore, hub *Hub, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(middleware.UserIDKey)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
			return
		}

		ctx := c.Request.Context()
		room, err := store.Room(ctx, c.Param("roomId"))
		if errors.Is(err, models.ErrRoomNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("room lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load room"})
			return
		}

		if room.CreatorID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "Only the room creator can delete the room"})
			return
		}

		if err := store.DeleteRoom(ctx, *room); err != nil {
			log.Error().Err(err).Msg("failed to delete room")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete room"})
			return
		}
		hub.CloseRoom(room.Code)

		log.Info().Str("code", room.Code).Str("user", userID).Msg("room deleted")
		c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
	}
}

// generateRoomCode generates a random room code
func generateRoomCode() string {
	code := make([]byte, models.RoomCodeLength)
	for i := range code {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(codeChars))))
		code[i] = codeChars[n.Int64()]
	}
	return string(code)
}
