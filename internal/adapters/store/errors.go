package store

import "errors"

// Sentinel kinds for store errors.
var ErrInvalidDSN = errors.New("invalid postgres dsn")
