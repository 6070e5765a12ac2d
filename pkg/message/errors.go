package message

import (
	"errors"
	"fmt"
)

// ErrMalformed is matched by every decode failure.
var ErrMalformed = errors.New("message: malformed")

var (
	ErrTruncated    = fmt.Errorf("%w: truncated data", ErrMalformed)
	ErrTextLength   = fmt.Errorf("%w: text length exceeds buffer", ErrMalformed)
	ErrUnknownType  = fmt.Errorf("%w: unknown message type", ErrMalformed)
	ErrTrailingData = fmt.Errorf("%w: trailing bytes after payload", ErrMalformed)
)

var (
	ErrNilPayload     = errors.New("message: nil payload")
	ErrInvalidAddress = errors.New("message: address is not IPv4")
	ErrTextTooLong    = errors.New("message: text too long")
)
