package app

import (
	"sync"

	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
)

type RoomManagerImpl struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]core.RoomService
}

func NewRoomManager() core.RoomManager {
	return &RoomManagerImpl{rooms: make(map[domain.RoomID]core.RoomService)}
}

// GetOrCreate returns the room with room.ID, creating it from room when absent.
func (f *RoomManagerImpl) GetOrCreate(room *domain.Room) (core.RoomService, bool) {
	f.mu.RLock()
	rs, ok := f.rooms[room.ID]
	f.mu.RUnlock()
	if ok {
		return rs, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if rs, ok = f.rooms[room.ID]; ok {
		return rs, false
	}
	rs = core.NewRoomService(room)
	f.rooms[room.ID] = rs
	return rs, true
}

func (f *RoomManagerImpl) GetRoom(id domain.RoomID) (core.RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rs, ok := f.rooms[id]
	return rs, ok
}

func (f *RoomManagerImpl) List() []core.RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.RoomInfo, 0, len(f.rooms))
	for id, r := range f.rooms {
		room := r.Room()
		out = append(out, core.RoomInfo{
			ID:          id,
			Kind:        room.Kind,
			Visibility:  room.Visibility,
			MemberCount: r.MemberCount(),
		})
	}
	return out
}

func (f *RoomManagerImpl) StopRoom(id domain.RoomID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rooms, id)
}
