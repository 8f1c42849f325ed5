package storage

import "errors"

// ErrNotFound is returned when a strategy or trade id does not exist
var ErrNotFound = errors.New("not found")
