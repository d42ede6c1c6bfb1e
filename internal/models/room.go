package models

import (
	"errors"
	"time"
)

// RoomMetadata stores information about a room
type RoomMetadata struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`      // Short, shareable room code (e.g., "K7PX2M")
	CreatorID   string    `json:"creatorId"` // User ID from JWT, or the initiator's peer ID
	CreatedAt   time.Time `json:"createdAt"`
	MaxPlayers  int       `json:"maxPlayers"`
	PlayerCount int       `json:"playerCount"`
}

const (
	// MaxRoomPlayers is fixed: one initiator and at most one joiner
	MaxRoomPlayers = 2
	RoomCodeLength = 6
)

// Role of a member within a room
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

// ErrRoomNotFound is returned by room stores for unknown codes and ids
var ErrRoomNotFound = errors.New("room not found")
