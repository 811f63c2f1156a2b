package room

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("room not found")
	ErrConflict        = errors.New("room already exists")
	ErrInvalidState    = errors.New("invalid room state")
	ErrInvalidArgument = errors.New("invalid argument")

	ErrNoActiveQuestion = fmt.Errorf("%w: no active question", ErrInvalidState)
	ErrRoundEnded       = fmt.Errorf("%w: round has ended", ErrInvalidState)
	ErrNotAPlayer       = fmt.Errorf("%w: player has not joined the room", ErrInvalidState)
)
