package packet

import "errors"

var (
	// Caller-supplied values outside their protocol range.
	ErrInvalidField   = errors.New("packet: invalid field")
	ErrInvalidAddress = errors.New("packet: invalid address")

	// Wire data that violates the frame layout.
	ErrMalformedIdentifier = errors.New("packet: malformed identifier")
	ErrTruncatedFrame      = errors.New("packet: truncated frame")
	ErrUnknownFrameType    = errors.New("packet: unknown frame type")
)
