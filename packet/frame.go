package packet

import (
	"fmt"
	"time"

	"github.com/notnil/thingset/canbus"
)

// Kind classifies a ThingSet CAN frame.
type Kind uint8

const (
	KindPublication Kind = iota
	KindSingle
	KindFirst
	KindConsecutive
	KindFlowControl
)

func (k Kind) String() string {
	switch k {
	case KindPublication:
		return "publication"
	case KindSingle:
		return "single"
	case KindFirst:
		return "first"
	case KindConsecutive:
		return "consecutive"
	case KindFlowControl:
		return "flow-control"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Service frame sub-types, high nibble of payload byte 0.
const (
	pciSingle      = 0x0
	pciFirst       = 0x1
	pciConsecutive = 0x2
	pciFlowControl = 0x3
)

// Frame payload limits.
const (
	MaxSingleData = 7     // data bytes in a Single frame
	FirstData     = 6     // data bytes in a First frame
	MaxConsecData = 7     // data bytes in a Consecutive frame
	MaxMessageLen = 0xFFF // 12-bit First frame length field
)

// FlowFlag is the flow status nibble of a FlowControl frame.
type FlowFlag uint8

const (
	FlowContinue FlowFlag = 0x0
	FlowWait     FlowFlag = 0x1
	FlowAbort    FlowFlag = 0x2
)

func (f FlowFlag) String() string {
	switch f {
	case FlowContinue:
		return "Continue"
	case FlowWait:
		return "Wait"
	case FlowAbort:
		return "Abort"
	default:
		return fmt.Sprintf("FlowFlag(%d)", uint8(f))
	}
}

// Frame is one classified ThingSet CAN frame. Every variant can be encoded
// back into a canbus.Frame.
type Frame interface {
	Kind() Kind
	MarshalCANFrame() (canbus.Frame, error)
}

// Publication is a self-contained frame carrying one CBOR value.
type Publication struct {
	ID   PublicationID
	Data []byte
}

// Single carries a complete service message of up to 7 bytes.
type Single struct {
	ID   ServiceID
	Data []byte
}

// First opens a segmented transfer of Size bytes and carries the first 6.
type First struct {
	ID   ServiceID
	Size int
	Data []byte
}

// Consecutive carries up to 7 further bytes of a segmented transfer.
type Consecutive struct {
	ID    ServiceID
	Index uint8 // 0..15
	Data  []byte
}

// FlowControl paces the sender of a segmented transfer.
type FlowControl struct {
	ID             ServiceID
	Flag           FlowFlag
	BlockSize      uint8
	SeparationTime uint8 // raw STmin code, see SeparationTime
}

func (Publication) Kind() Kind { return KindPublication }
func (Single) Kind() Kind      { return KindSingle }
func (First) Kind() Kind       { return KindFirst }
func (Consecutive) Kind() Kind { return KindConsecutive }
func (FlowControl) Kind() Kind { return KindFlowControl }

// Delay returns the pause the sender must keep between consecutive frames.
func (fc FlowControl) Delay() time.Duration { return SeparationTime(fc.SeparationTime) }

// SeparationTime decodes an STmin byte: 0x00..0x7F are milliseconds,
// 0xF1..0xF9 are multiples of 100 µs, everything else means no delay.
func SeparationTime(code uint8) time.Duration {
	switch {
	case code <= 0x7F:
		return time.Duration(code) * time.Millisecond
	case code >= 0xF1 && code <= 0xF9:
		return time.Duration(code&0xF) * 100 * time.Microsecond
	default:
		return 0
	}
}

// Decode classifies a raw CAN frame.
func Decode(f canbus.Frame) (Frame, error) {
	if !f.Extended {
		return nil, fmt.Errorf("%w: standard identifier 0x%03X", ErrMalformedIdentifier, f.ID)
	}
	data := f.Payload()
	if IsPublication(f.ID) {
		id, err := DecodePublication(f.ID)
		if err != nil {
			return nil, err
		}
		return Publication{ID: id, Data: clone(data)}, nil
	}
	id, err := DecodeService(f.ID)
	if err != nil {
		return nil, err
	}
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty service frame", ErrTruncatedFrame)
	}
	switch data[0] >> 4 {
	case pciSingle:
		n := int(data[0] & 0x0F)
		if n > MaxSingleData || len(data) < 1+n {
			return nil, fmt.Errorf("%w: single frame declares %d bytes, has %d", ErrTruncatedFrame, n, len(data)-1)
		}
		return Single{ID: id, Data: clone(data[1 : 1+n])}, nil
	case pciFirst:
		if len(data) < 2 {
			return nil, fmt.Errorf("%w: first frame has %d bytes", ErrTruncatedFrame, len(data))
		}
		size := int(data[0]&0x0F)<<8 | int(data[1])
		return First{ID: id, Size: size, Data: clone(data[2:])}, nil
	case pciConsecutive:
		return Consecutive{ID: id, Index: data[0] & 0x0F, Data: clone(data[1:])}, nil
	case pciFlowControl:
		if len(data) < 3 {
			return nil, fmt.Errorf("%w: flow control has %d bytes", ErrTruncatedFrame, len(data))
		}
		return FlowControl{
			ID:             id,
			Flag:           FlowFlag(data[0] & 0x0F),
			BlockSize:      data[1],
			SeparationTime: data[2],
		}, nil
	default:
		return nil, fmt.Errorf("%w: pci 0x%X", ErrUnknownFrameType, data[0]>>4)
	}
}

func (p Publication) MarshalCANFrame() (canbus.Frame, error) {
	raw, err := EncodePublication(p.ID.Priority, p.ID.DataObjectID, p.ID.Source)
	if err != nil {
		return canbus.Frame{}, err
	}
	if len(p.Data) > 8 {
		return canbus.Frame{}, fmt.Errorf("%w: publication carries %d bytes", ErrInvalidField, len(p.Data))
	}
	return canbus.NewExtended(raw, p.Data)
}

func (s Single) MarshalCANFrame() (canbus.Frame, error) {
	if len(s.Data) > MaxSingleData {
		return canbus.Frame{}, fmt.Errorf("%w: single frame carries %d bytes", ErrInvalidField, len(s.Data))
	}
	buf := make([]byte, 0, 1+len(s.Data))
	buf = append(buf, pciSingle<<4|byte(len(s.Data)))
	buf = append(buf, s.Data...)
	return serviceFrame(s.ID, buf)
}

func (f First) MarshalCANFrame() (canbus.Frame, error) {
	if f.Size < 0 || f.Size > MaxMessageLen {
		return canbus.Frame{}, fmt.Errorf("%w: first frame size %d", ErrInvalidField, f.Size)
	}
	if len(f.Data) > FirstData {
		return canbus.Frame{}, fmt.Errorf("%w: first frame carries %d bytes", ErrInvalidField, len(f.Data))
	}
	buf := make([]byte, 0, 2+len(f.Data))
	buf = append(buf, pciFirst<<4|byte(f.Size>>8), byte(f.Size))
	buf = append(buf, f.Data...)
	return serviceFrame(f.ID, buf)
}

func (c Consecutive) MarshalCANFrame() (canbus.Frame, error) {
	if c.Index > 0x0F {
		return canbus.Frame{}, fmt.Errorf("%w: consecutive index %d", ErrInvalidField, c.Index)
	}
	if len(c.Data) > MaxConsecData {
		return canbus.Frame{}, fmt.Errorf("%w: consecutive frame carries %d bytes", ErrInvalidField, len(c.Data))
	}
	buf := make([]byte, 0, 1+len(c.Data))
	buf = append(buf, pciConsecutive<<4|c.Index)
	buf = append(buf, c.Data...)
	return serviceFrame(c.ID, buf)
}

func (fc FlowControl) MarshalCANFrame() (canbus.Frame, error) {
	if fc.Flag > 0x0F {
		return canbus.Frame{}, fmt.Errorf("%w: flow flag %d", ErrInvalidField, fc.Flag)
	}
	return serviceFrame(fc.ID, []byte{pciFlowControl<<4 | byte(fc.Flag), fc.BlockSize, fc.SeparationTime})
}

func serviceFrame(id ServiceID, data []byte) (canbus.Frame, error) {
	raw, err := EncodeService(id.Priority, id.Destination, id.Source)
	if err != nil {
		return canbus.Frame{}, err
	}
	return canbus.NewExtended(raw, data)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
