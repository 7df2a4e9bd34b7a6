// Package thingset is a ThingSet client for CAN.
//
// A Client runs one receive loop (Run) that reassembles service messages and
// publications from the bus. Responses feed the single outstanding request
// issued by Get, Post, Delete, Fetch or Patch. Publications from subscribed
// nodes update an in-memory store and an optional callback.
//
// Request and response bodies are CBOR. Content responses are decoded into
// generic Go values: maps become map[interface{}]interface{}, unsigned
// integers uint64, negative integers int64 and floats float64.
package thingset
