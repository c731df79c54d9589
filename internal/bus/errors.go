package bus

import "errors"

var (
	// ErrInvalidMessage is returned for a command message that cannot be parsed.
	ErrInvalidMessage = errors.New("bus: invalid command message")

	// ErrAlreadyStarted is returned when a listener is started twice.
	ErrAlreadyStarted = errors.New("bus: listener already started")
)
