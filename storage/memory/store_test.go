package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrJoinRoom(t *testing.T) {
	ms := NewMemStore()

	room, err := ms.CreateOrJoinRoom("room1", "alice")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Len(t, room.Participants, 1)

	room, err = ms.CreateOrJoinRoom("room1", "bob")
	require.NoError(t, err)
	assert.Len(t, room.Participants, 2)

	// same user again is not a third participant
	room, err = ms.CreateOrJoinRoom("room1", "bob")
	require.NoError(t, err)
	assert.Len(t, room.Participants, 2)

	_, err = ms.CreateOrJoinRoom("room1", "carol")
	require.ErrorIs(t, err, ErrRoomIsFull)
}

func TestOtherMember(t *testing.T) {
	ms := NewMemStore()

	_, ok := ms.OtherMember("room1", "alice")
	assert.False(t, ok)

	_, err := ms.CreateOrJoinRoom("room1", "alice")
	require.NoError(t, err)

	_, ok = ms.OtherMember("room1", "alice")
	assert.False(t, ok)

	_, err = ms.CreateOrJoinRoom("room1", "bob")
	require.NoError(t, err)

	other, ok := ms.OtherMember("room1", "bob")
	require.True(t, ok)
	assert.Equal(t, "alice", other)
}

func TestLeaveRoom(t *testing.T) {
	ms := NewMemStore()

	_, err := ms.LeaveRoom("nope", "alice")
	require.ErrorIs(t, err, ErrRoomNotFound)

	_, err = ms.CreateOrJoinRoom("room1", "alice")
	require.NoError(t, err)
	_, err = ms.CreateOrJoinRoom("room1", "bob")
	require.NoError(t, err)

	remaining, err := ms.LeaveRoom("room1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, remaining)

	// last one out deletes the room
	remaining, err = ms.LeaveRoom("room1", "bob")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	_, err = ms.GetRoom("room1")
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestLeaveAll(t *testing.T) {
	ms := NewMemStore()

	_, err := ms.CreateOrJoinRoom("room1", "alice")
	require.NoError(t, err)
	_, err = ms.CreateOrJoinRoom("room1", "bob")
	require.NoError(t, err)
	_, err = ms.CreateOrJoinRoom("room2", "alice")
	require.NoError(t, err)

	remaining := ms.LeaveAll("alice")
	require.Len(t, remaining, 2)
	assert.Equal(t, []string{"bob"}, remaining["room1"])
	assert.Empty(t, remaining["room2"])

	// alice is gone everywhere
	_, ok := ms.OtherMember("room1", "bob")
	assert.False(t, ok)
	_, err = ms.GetRoom("room2")
	require.ErrorIs(t, err, ErrRoomNotFound)

	// second call finds nothing to do
	assert.Empty(t, ms.LeaveAll("alice"))
}
