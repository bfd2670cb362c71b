package state

import "errors"

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomFull      = errors.New("room is full")
	ErrServerFull    = errors.New("room limit reached")
	ErrAlreadyInRoom = errors.New("already in a room")
	ErrCodeExhausted = errors.New("could not allocate a room code")
)
