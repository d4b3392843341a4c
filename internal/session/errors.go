package session

import "errors"

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrTooManySessions  = errors.New("session limit reached")
	ErrAlreadyRunning   = errors.New("call is already running")
	ErrManagerClosed    = errors.New("session manager is closed")
	ErrInvalidTargetURL = errors.New("invalid target url")
)
