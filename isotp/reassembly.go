package isotp

import "github.com/notnil/thingset/packet"

// reassembler holds the single receive context. It is owned by the goroutine
// calling Transport.Receive.
type reassembler struct {
	active bool
	source packet.Address
	size   int
	last   uint8
	buf    []byte
}

// start resets the context for a new transfer announced by f.
func (r *reassembler) start(f packet.First) {
	r.active = true
	r.source = f.ID.Source
	r.size = f.Size
	r.last = 0
	r.buf = append(r.buf[:0], f.Data...)
}

// push appends a consecutive frame. Frames that do not carry the next index
// are rejected and leave the context untouched.
func (r *reassembler) push(c packet.Consecutive) error {
	if !r.active {
		return errIdle
	}
	if c.ID.Source != r.source {
		return errForeign
	}
	want := (r.last + 1) & 0x0F
	if c.Index != want {
		return errOutOfOrder
	}
	r.last = want
	r.buf = append(r.buf, c.Data...)
	return nil
}

// take hands off the payload once the declared size has been reached and
// returns the context to idle.
func (r *reassembler) take() ([]byte, bool) {
	if !r.active || len(r.buf) < r.size {
		return nil, false
	}
	msg := r.buf[:r.size:r.size]
	r.active = false
	r.buf = nil
	return msg, true
}
