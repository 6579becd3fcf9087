package service

import "errors"

// Sentinel kinds for service errors.
var (
	ErrNotStarted  = errors.New("tracking service not started")
	ErrInvalidMode = errors.New("invalid gamemode")
)
