package packet

import "github.com/notnil/thingset/canbus"

// ThingSet-typed filters built on the canbus filter combinators.

const (
	classBits   = classMask << classShift
	serviceMask = classBits | 0xFF<<16 | 0xFF<<8
)

// PublicationFrames matches publication frames from any source.
func PublicationFrames() canbus.FrameFilter {
	return canbus.And(canbus.And(canbus.ExtendedOnly(), canbus.DataOnly()),
		canbus.ByMask(classPub<<classShift, classBits))
}

// PublicationsFrom matches publication frames sent by source.
func PublicationsFrom(source Address) canbus.FrameFilter {
	return canbus.And(PublicationFrames(), canbus.ByMask(uint32(source), 0xFF))
}

// ServiceFramesTo matches request/response frames addressed to dst.
func ServiceFramesTo(dst Address) canbus.FrameFilter {
	want := classService<<classShift | ServiceMarker<<16 | uint32(dst)<<8
	return canbus.And(canbus.And(canbus.ExtendedOnly(), canbus.DataOnly()),
		canbus.ByMask(want, serviceMask))
}

// ThingSetFrames matches everything a client at addr consumes: publications
// and service frames addressed to it.
func ThingSetFrames(addr Address) canbus.FrameFilter {
	return canbus.Or(PublicationFrames(), ServiceFramesTo(addr))
}
