package room

import (
	"errors"
)

// ErrUserNotFound is returned when a participant lookup fails.
var ErrUserNotFound = errors.New("user not found")
