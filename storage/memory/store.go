// Package memory keeps signaling room membership in process memory.
// Rooms are ephemeral: they exist only while someone is in them.
package memory

import (
	"errors"
	"sync"

	"github.com/adwski/callsig/model"
)

const (
	// Two-party calls only.
	defaultMaxParticipants = 2
)

var (
	ErrRoomIsFull   = errors.New("room is full")
	ErrRoomNotFound = errors.New("room is not found")
)

type MemStore struct {
	mx *sync.Mutex
	db map[string]*model.Room
	// userRooms tracks membership per user, so a dropped connection can be
	// cleaned out of every room it joined.
	userRooms map[string]map[string]struct{}
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx:        &sync.Mutex{},
		db:        make(map[string]*model.Room),
		userRooms: make(map[string]map[string]struct{}),
	}
}

func (ms *MemStore) CreateOrJoinRoom(roomID string, userID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		room = &model.Room{
			ID:           roomID,
			Participants: map[string]model.Participant{},
		}
		ms.db[roomID] = room
	}

	if _, member := room.Participants[userID]; !member &&
		len(room.Participants) >= defaultMaxParticipants {
		return nil, ErrRoomIsFull
	}

	room.Participants[userID] = model.Participant{ID: userID}
	ur, ok := ms.userRooms[userID]
	if !ok {
		ur = make(map[string]struct{})
		ms.userRooms[userID] = ur
	}
	ur[roomID] = struct{}{}
	return room, nil
}

func (ms *MemStore) GetRoom(roomID string) (*model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// LeaveRoom removes the user and returns the ids of participants left behind.
// Empty rooms are deleted.
func (ms *MemStore) LeaveRoom(roomID string, userID string) ([]string, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()
	return ms.leaveLocked(roomID, userID)
}

// LeaveAll removes the user from every room it joined and returns, per room,
// the participants left behind.
func (ms *MemStore) LeaveAll(userID string) map[string][]string {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	remaining := make(map[string][]string)
	for roomID := range ms.userRooms[userID] {
		left, err := ms.leaveLocked(roomID, userID)
		if err == nil {
			remaining[roomID] = left
		}
	}
	return remaining
}

func (ms *MemStore) leaveLocked(roomID, userID string) ([]string, error) {
	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	delete(room.Participants, userID)
	if ur := ms.userRooms[userID]; ur != nil {
		delete(ur, roomID)
		if len(ur) == 0 {
			delete(ms.userRooms, userID)
		}
	}
	if len(room.Participants) == 0 {
		delete(ms.db, roomID)
		return nil, nil
	}
	left := make([]string, 0, len(room.Participants))
	for id := range room.Participants {
		left = append(left, id)
	}
	return left, nil
}

// OtherMember returns the id of the participant other than userID, if any.
func (ms *MemStore) OtherMember(roomID, userID string) (string, bool) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return "", false
	}
	for id := range room.Participants {
		if id != userID {
			return id, true
		}
	}
	return "", false
}
