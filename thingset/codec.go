package thingset

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Request opcodes, first byte of a request payload.
type opcode uint8

const (
	opGet    opcode = 0x01
	opPost   opcode = 0x02
	opDelete opcode = 0x04
	opFetch  opcode = 0x05
	opPatch  opcode = 0x07
)

func (o opcode) String() string {
	switch o {
	case opGet:
		return "get"
	case opPost:
		return "post"
	case opDelete:
		return "delete"
	case opFetch:
		return "fetch"
	case opPatch:
		return "patch"
	default:
		return fmt.Sprintf("op(0x%02X)", uint8(o))
	}
}

type codec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// newCodec returns a deterministic encoder that writes nil slices and maps as
// empty containers, so a POST without arguments carries an empty array.
func newCodec() (codec, error) {
	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty
	em, err := opts.EncMode()
	if err != nil {
		return codec{}, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return codec{}, err
	}
	return codec{enc: em, dec: dm}, nil
}

// encodeRequest writes the opcode followed by each argument as one CBOR item.
func (c codec) encodeRequest(op opcode, args ...any) ([]byte, error) {
	buf := []byte{byte(op)}
	for _, arg := range args {
		b, err := c.enc.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s argument: %v", ErrCodec, op, err)
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// decode parses exactly one CBOR item.
func (c codec) decode(data []byte) (any, error) {
	var v any
	if err := c.dec.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return v, nil
}
