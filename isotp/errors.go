package isotp

import "errors"

var (
	ErrFlowControlTimeout = errors.New("isotp: flow control timeout")
	ErrAborted            = errors.New("isotp: transfer aborted by receiver")
	ErrPayloadTooLarge    = errors.New("isotp: payload exceeds 4095 bytes")

	// Reassembly drop reasons; never returned from Receive.
	errOutOfOrder = errors.New("isotp: unexpected consecutive index")
	errIdle       = errors.New("isotp: consecutive frame without first frame")
	errForeign    = errors.New("isotp: consecutive frame from another source")
)
