// Package canbus provides core types and utilities for working with
// Controller Area Network (CAN) in Go.
//
// It includes:
//   - A core Frame type with validation and binary marshaling helpers
//   - An in-memory loopback bus for tests and simulations
//   - A Linux SocketCAN driver (linux-only) built on golang.org/x/sys/unix
//   - A frame multiplexer and a zerolog-backed logging decorator
package canbus
