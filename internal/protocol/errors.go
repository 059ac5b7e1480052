package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformed is matched (via errors.Is) by every decode failure. Callers
// drop the frame and move on; malformed input is radio noise, not a fault.
var ErrMalformed = errors.New("malformed message")

// DecodeError describes why a frame was rejected.
type DecodeError struct {
	Reason string
	Offset int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s at byte %d", ErrMalformed, e.Reason, e.Offset)
}

// Is makes errors.Is(err, ErrMalformed) true for every DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(offset int, format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...), Offset: offset}
}
