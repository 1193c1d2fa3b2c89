package server

import (
	"sync"

	"github.com/squidx232/watchparty/internal/protocol"
)

// Hub is the in-memory room registry. The durable room store is a separate
// service; this process only tracks live rooms.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*Room)}
}

func (h *Hub) Create(name string) *Room {
	room := NewRoom(name)
	h.mu.Lock()
	h.rooms[room.ID()] = room
	h.mu.Unlock()
	return room
}

func (h *Hub) Get(id string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[id]
	return room, ok
}

type RoomInfo struct {
	Meta        protocol.RoomMetadata `json:"room"`
	MemberCount int                   `json:"member_count"`
}

func (h *Hub) List() []RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]RoomInfo, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, RoomInfo{Meta: r.Meta(), MemberCount: r.MemberCount()})
	}
	return out
}

// CloseRoom terminates and forgets the room.
func (h *Hub) CloseRoom(id, reason string) bool {
	h.mu.Lock()
	room, ok := h.rooms[id]
	delete(h.rooms, id)
	h.mu.Unlock()
	if !ok {
		return false
	}
	room.Close(reason)
	return true
}
