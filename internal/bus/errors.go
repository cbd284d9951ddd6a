package bus

import "errors"

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("bus closed")
