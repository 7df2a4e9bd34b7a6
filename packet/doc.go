// Package packet encodes and classifies ThingSet CAN frames.
//
// ThingSet uses 29-bit identifiers in two families. Publication frames carry
// a data object id and the publishing node; service frames carry the
// destination and source addresses of a request or response and are further
// split, ISO-TP style, into Single, First, Consecutive and FlowControl frames
// by the high nibble of the first payload byte.
package packet
