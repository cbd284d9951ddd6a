package registry

import "errors"

// ErrSessionNotFound is returned when operating on an unknown or already
// closed session id.
var ErrSessionNotFound = errors.New("session not found")
