package session

import "errors"

var (
	ErrInvalidConfig    = errors.New("invalid session config")
	ErrCapacityExceeded = errors.New("session capacity reached")
	ErrNotFound         = errors.New("session not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrShutdown         = errors.New("session manager is shut down")
)
