package packet

import (
	"fmt"

	"github.com/notnil/thingset/canbus"
)

// Priority is the 3-bit arbitration priority carried in identifier bits 26..28.
// Lower values win arbitration.
type Priority uint8

// Default priorities used by ThingSet nodes.
const (
	PriorityPublication Priority = 6
	PriorityService     Priority = 7
	maxPriority         Priority = 7
)

// Validate checks that the priority fits its 3-bit field.
func (p Priority) Validate() error {
	if p > maxPriority {
		return fmt.Errorf("%w: priority %d (valid 0..7)", ErrInvalidField, p)
	}
	return nil
}

// Address is a node address on the bus. Every uint8 value is valid.
type Address uint8

// ParseAddress converts a caller-supplied integer into an Address.
func ParseAddress(v int) (Address, error) {
	if v < 0 || v > 255 {
		return 0, fmt.Errorf("%w: %d (valid 0..255)", ErrInvalidAddress, v)
	}
	return Address(v), nil
}

// DataObjectID identifies a value or path in a node's data model.
type DataObjectID uint16

// Identifier layout.
const (
	classShift   = 24
	classMask    = 0x3
	classPub     = 0x3 // 0b11: publication frame
	classService = 0x2 // 0b10: request/response frame

	priorityShift = 26

	// ServiceMarker is the fixed byte in bits 16..23 of service identifiers.
	ServiceMarker = 0xDA
)

// PublicationID holds the fields of a publication frame identifier.
type PublicationID struct {
	Priority     Priority
	DataObjectID DataObjectID
	Source       Address
}

// ServiceID holds the fields of a request/response frame identifier.
type ServiceID struct {
	Priority    Priority
	Destination Address
	Source      Address
}

// EncodePublication packs a publication identifier:
// priority<<26 | 0b11<<24 | id<<8 | source.
func EncodePublication(p Priority, id DataObjectID, source Address) (uint32, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return uint32(p)<<priorityShift | classPub<<classShift | uint32(id)<<8 | uint32(source), nil
}

// DecodePublication unpacks a publication identifier.
func DecodePublication(raw uint32) (PublicationID, error) {
	if err := checkClass(raw, classPub); err != nil {
		return PublicationID{}, err
	}
	return PublicationID{
		Priority:     Priority(raw >> priorityShift),
		DataObjectID: DataObjectID(raw >> 8),
		Source:       Address(raw),
	}, nil
}

// EncodeService packs a service identifier:
// priority<<26 | 0b10<<24 | 0xDA<<16 | destination<<8 | source.
func EncodeService(p Priority, destination, source Address) (uint32, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	return uint32(p)<<priorityShift | classService<<classShift | ServiceMarker<<16 |
		uint32(destination)<<8 | uint32(source), nil
}

// DecodeService unpacks a service identifier. The marker byte is not checked.
func DecodeService(raw uint32) (ServiceID, error) {
	if err := checkClass(raw, classService); err != nil {
		return ServiceID{}, err
	}
	return ServiceID{
		Priority:    Priority(raw >> priorityShift),
		Destination: Address(raw >> 8),
		Source:      Address(raw),
	}, nil
}

// IsPublication reports whether raw carries the publication class bits.
func IsPublication(raw uint32) bool {
	return raw <= canbus.MaxExtID && (raw>>classShift)&classMask == classPub
}

func checkClass(raw uint32, want uint32) error {
	if raw > canbus.MaxExtID {
		return fmt.Errorf("%w: 0x%X exceeds 29 bits", ErrMalformedIdentifier, raw)
	}
	if got := (raw >> classShift) & classMask; got != want {
		return fmt.Errorf("%w: 0x%08X has class %02b, want %02b", ErrMalformedIdentifier, raw, got, want)
	}
	return nil
}
