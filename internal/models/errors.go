package models

import "errors"

var (
	// ErrAuth marks a missing, malformed, expired or forged credential.
	ErrAuth = errors.New("authentication failed")
	// ErrValidation marks chat text that is empty after trimming or too long.
	ErrValidation = errors.New("validation failed")
	// ErrPersistence marks a history store failure.
	ErrPersistence = errors.New("persistence failure")
	// ErrProtocolViolation marks an event that is malformed or not allowed in the current state.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrRoomExists is returned by room directories when the name is taken.
	ErrRoomExists = errors.New("room already exists")
)
