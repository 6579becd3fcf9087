package worker

import "errors"

// Sentinel kinds reported by the upstream adapters.
var (
	// ErrUserNotFound means the tracked user no longer exists upstream.
	ErrUserNotFound = errors.New("tracked user not found upstream")

	// ErrUnknownChannel means the notification target channel is gone.
	ErrUnknownChannel = errors.New("unknown notification channel")
)
