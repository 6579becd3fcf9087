package tracking

import "errors"

// Sentinel kinds for tracking errors. These allow errors.Is from callers.
var (
	ErrTokenResolved = errors.New("baseline token already resolved")
)
