package isotp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/notnil/thingset/canbus"
	"github.com/notnil/thingset/internal/observability"
	"github.com/notnil/thingset/packet"
)

// Config controls a Transport. Zero durations and a nil Logger select the
// defaults from DefaultConfig.
type Config struct {
	// Address is the local node address. Service frames addressed elsewhere are ignored.
	Address packet.Address
	// Priority used for outgoing service frames.
	Priority packet.Priority
	// FlowControlTimeout bounds each wait for a FlowControl frame while sending.
	FlowControlTimeout time.Duration
	// WaitPause is the pause applied when the receiver answers with Wait.
	WaitPause time.Duration
	Logger    *zerolog.Logger
}

// DefaultConfig returns the settings used by ThingSet nodes.
func DefaultConfig(addr packet.Address) Config {
	return Config{
		Address:            addr,
		Priority:           packet.PriorityService,
		FlowControlTimeout: 500 * time.Millisecond,
		WaitPause:          time.Second,
	}
}

// Message is one complete application message.
type Message struct {
	Publication  bool
	Source       packet.Address
	DataObjectID packet.DataObjectID // publications only
	Data         []byte
}

// Transport segments outgoing service messages and reassembles incoming ones.
//
// Receive must be called from a single goroutine; it owns the reassembly
// context. A multi-frame Send relies on that goroutine to deliver the peer's
// FlowControl frames, so Send and Receive run concurrently.
type Transport struct {
	bus canbus.Bus
	cfg Config
	log zerolog.Logger

	sendMu sync.Mutex
	fc     chan packet.FlowControl

	rx reassembler
}

// New creates a Transport on bus.
func New(bus canbus.Bus, cfg Config) *Transport {
	def := DefaultConfig(cfg.Address)
	if cfg.FlowControlTimeout <= 0 {
		cfg.FlowControlTimeout = def.FlowControlTimeout
	}
	if cfg.WaitPause <= 0 {
		cfg.WaitPause = def.WaitPause
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Transport{
		bus: bus,
		cfg: cfg,
		log: logger.With().Str("component", "isotp").Uint8("addr", uint8(cfg.Address)).Logger(),
		fc:  make(chan packet.FlowControl, 1),
	}
}

// Address returns the local node address.
func (t *Transport) Address() packet.Address { return t.cfg.Address }

// Send transmits payload to dst, segmenting it when it exceeds one frame.
// Concurrent calls are serialized.
func (t *Transport) Send(ctx context.Context, dst packet.Address, payload []byte) error {
	if len(payload) > packet.MaxMessageLen {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	id := packet.ServiceID{Priority: t.cfg.Priority, Destination: dst, Source: t.cfg.Address}
	if len(payload) <= packet.MaxSingleData {
		return t.write(ctx, packet.Single{ID: id, Data: payload})
	}

	t.clearFlowControl()
	if err := t.write(ctx, packet.First{ID: id, Size: len(payload), Data: payload[:packet.FirstData]}); err != nil {
		return err
	}
	fc, err := t.awaitFlowControl(ctx)
	if err != nil {
		return t.failSend(dst, err)
	}

	rest := payload[packet.FirstData:]
	var index uint8
	sent := 0
	for len(rest) > 0 {
		n := min(packet.MaxConsecData, len(rest))
		index = (index + 1) & 0x0F
		if err := t.write(ctx, packet.Consecutive{ID: id, Index: index, Data: rest[:n]}); err != nil {
			return t.failSend(dst, err)
		}
		rest = rest[n:]
		if len(rest) == 0 {
			break
		}
		sent++
		if fc.BlockSize != 0 && sent == int(fc.BlockSize) {
			sent = 0
			if fc, err = t.awaitFlowControl(ctx); err != nil {
				return t.failSend(dst, err)
			}
			continue
		}
		if err := sleep(ctx, fc.Delay()); err != nil {
			return t.failSend(dst, err)
		}
	}
	observability.RecordTransfer("tx", "ok")
	t.log.Debug().Uint8("dst", uint8(dst)).Int("len", len(payload)).Msg("segmented send complete")
	return nil
}

func (t *Transport) failSend(dst packet.Address, err error) error {
	outcome := "error"
	switch {
	case errors.Is(err, ErrFlowControlTimeout):
		outcome = "fc_timeout"
	case errors.Is(err, ErrAborted):
		outcome = "aborted"
	}
	observability.RecordTransfer("tx", outcome)
	t.log.Warn().Err(err).Uint8("dst", uint8(dst)).Msg("segmented send failed")
	return err
}

// awaitFlowControl blocks for the next FlowControl frame. Wait pauses for
// WaitPause and then proceeds with the parameters it carried.
func (t *Transport) awaitFlowControl(ctx context.Context) (packet.FlowControl, error) {
	timer := time.NewTimer(t.cfg.FlowControlTimeout)
	defer timer.Stop()
	var fc packet.FlowControl
	select {
	case fc = <-t.fc:
	case <-timer.C:
		return packet.FlowControl{}, ErrFlowControlTimeout
	case <-ctx.Done():
		return packet.FlowControl{}, ctx.Err()
	}
	switch fc.Flag {
	case packet.FlowContinue:
		return fc, nil
	case packet.FlowWait:
		if err := sleep(ctx, t.cfg.WaitPause); err != nil {
			return packet.FlowControl{}, err
		}
		return fc, nil
	case packet.FlowAbort:
		return packet.FlowControl{}, ErrAborted
	default:
		return packet.FlowControl{}, fmt.Errorf("%w: flow status %d", ErrAborted, fc.Flag)
	}
}

func (t *Transport) clearFlowControl() {
	select {
	case <-t.fc:
	default:
	}
}

// deliverFlowControl stores fc for the sender, replacing an unclaimed one.
func (t *Transport) deliverFlowControl(fc packet.FlowControl) {
	for {
		select {
		case t.fc <- fc:
			return
		default:
		}
		select {
		case <-t.fc:
		default:
		}
	}
}

func (t *Transport) write(ctx context.Context, f packet.Frame) error {
	raw, err := f.MarshalCANFrame()
	if err != nil {
		return err
	}
	if err := t.bus.Send(ctx, raw); err != nil {
		return err
	}
	observability.RecordFrame("tx", f.Kind().String())
	return nil
}

// Receive blocks until one complete message arrives. Decode failures are
// returned as errors wrapping the packet sentinels; the reassembly context is
// left as it was. Bus errors are returned unchanged.
func (t *Transport) Receive(ctx context.Context) (Message, error) {
	for {
		raw, err := t.bus.Receive(ctx)
		if err != nil {
			return Message{}, err
		}
		if !raw.Extended || raw.RTR {
			continue
		}
		if !packet.IsPublication(raw.ID) {
			if sid, err := packet.DecodeService(raw.ID); err == nil && sid.Destination != t.cfg.Address {
				continue
			}
		}
		f, err := packet.Decode(raw)
		if err != nil {
			observability.RecordDroppedFrame("malformed")
			return Message{}, fmt.Errorf("isotp: frame %s: %w", raw, err)
		}
		observability.RecordFrame("rx", f.Kind().String())

		switch v := f.(type) {
		case packet.Publication:
			return Message{
				Publication:  true,
				Source:       v.ID.Source,
				DataObjectID: v.ID.DataObjectID,
				Data:         v.Data,
			}, nil
		case packet.Single:
			return Message{Source: v.ID.Source, Data: v.Data}, nil
		case packet.First:
			t.rx.start(v)
			reply := packet.FlowControl{
				ID:   packet.ServiceID{Priority: t.cfg.Priority, Destination: v.ID.Source, Source: t.cfg.Address},
				Flag: packet.FlowContinue,
			}
			if err := t.write(ctx, reply); err != nil {
				return Message{}, err
			}
			if data, ok := t.rx.take(); ok {
				return t.received(v.ID.Source, data), nil
			}
		case packet.Consecutive:
			if err := t.rx.push(v); err != nil {
				observability.RecordDroppedFrame(dropReason(err))
				t.log.Debug().Err(err).Uint8("index", v.Index).Uint8("src", uint8(v.ID.Source)).Msg("consecutive frame dropped")
				continue
			}
			if data, ok := t.rx.take(); ok {
				return t.received(v.ID.Source, data), nil
			}
		case packet.FlowControl:
			t.deliverFlowControl(v)
		}
	}
}

func (t *Transport) received(src packet.Address, data []byte) Message {
	observability.RecordTransfer("rx", "ok")
	t.log.Debug().Uint8("src", uint8(src)).Int("len", len(data)).Msg("segmented receive complete")
	return Message{Source: src, Data: data}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, errOutOfOrder):
		return "out_of_order"
	case errors.Is(err, errForeign):
		return "foreign_source"
	default:
		return "idle"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
