package thingset

import "errors"

var (
	ErrUnknownStatus   = errors.New("thingset: unknown status")
	ErrCodec           = errors.New("thingset: cbor codec")
	ErrResponseTimeout = errors.New("thingset: response timeout")
	ErrClientClosed    = errors.New("thingset: client closed")
	ErrAlreadyRunning  = errors.New("thingset: receive loop already running")
)
