package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/RaghavKatta/webcam-guess-game-online/internal/models"
)

// RoomStore persists room metadata. *redis.Store satisfies it.
type RoomStore interface {
	CreateRoom(ctx context.Context, room models.RoomMetadata) error
	CodeTaken(ctx context.Context, code string) (bool, error)
	Room(ctx context.Context, identifier string) (*models.RoomMetadata, error)
	AddPeer(ctx context.Context, roomID, peerID string) error
	RemovePeer(ctx context.Context, roomID, peerID string) error
	DeleteRoom(ctx context.Context, room models.RoomMetadata) error
}

// MemoryStore is a RoomStore for single-process deployments and tests
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	rooms map[string]*memRoom // by id
	codes map[string]string   // code -> id
}

type memRoom struct {
	meta    models.RoomMetadata
	peers   map[string]struct{}
	expires time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:   ttl,
		now:   time.Now,
		rooms: make(map[string]*memRoom),
		codes: make(map[string]string),
	}
}

func (m *MemoryStore) CreateRoom(_ context.Context, room models.RoomMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[room.ID] = &memRoom{meta: room, peers: make(map[string]struct{}), expires: m.now().Add(m.ttl)}
	m.codes[room.Code] = room.ID
	return nil
}

func (m *MemoryStore) CodeTaken(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.codes[code]
	return ok && m.liveLocked(id) != nil, nil
}

func (m *MemoryStore) Room(_ context.Context, identifier string) (*models.RoomMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := identifier
	if len(identifier) == models.RoomCodeLength {
		id = m.codes[identifier]
	}
	r := m.liveLocked(id)
	if r == nil {
		return nil, models.ErrRoomNotFound
	}
	meta := r.meta
	meta.PlayerCount = len(r.peers)
	return &meta, nil
}

func (m *MemoryStore) AddPeer(_ context.Context, roomID, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.liveLocked(roomID)
	if r == nil {
		return models.ErrRoomNotFound
	}
	r.peers[peerID] = struct{}{}
	r.expires = m.now().Add(m.ttl)
	return nil
}

func (m *MemoryStore) RemovePeer(_ context.Context, roomID, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.liveLocked(roomID); r != nil {
		delete(r.peers, peerID)
	}
	return nil
}

func (m *MemoryStore) DeleteRoom(_ context.Context, room models.RoomMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, room.ID)
	delete(m.codes, room.Code)
	return nil
}

// liveLocked returns the room unless it is missing or expired, in which case
// it is dropped.
func (m *MemoryStore) liveLocked(id string) *memRoom {
	r, ok := m.rooms[id]
	if !ok {
		return nil
	}
	if m.now().After(r.expires) {
		delete(m.rooms, id)
		delete(m.codes, r.meta.Code)
		return nil
	}
	return r
}
