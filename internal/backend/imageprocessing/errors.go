package imageprocessing

import (
	"errors"
	"fmt"
)

// ErrMissingImage is returned when a request carries no image at all.
var ErrMissingImage = errors.New("no image provided")

// DecodeError reports input that could not be turned into an image.
// It always maps to a client error.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode image: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("decode image: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func newDecodeError(reason string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}
