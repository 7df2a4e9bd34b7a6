package thingset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/notnil/thingset/canbus"
	"github.com/notnil/thingset/internal/observability"
	"github.com/notnil/thingset/isotp"
	"github.com/notnil/thingset/packet"
)

// Config controls a Client. Zero durations and a nil Logger select the
// defaults from DefaultConfig.
type Config struct {
	Address packet.Address
	// RequestTimeout bounds Get, Post and Delete.
	RequestTimeout time.Duration
	// LongRequestTimeout bounds Fetch and Patch, which usually carry larger payloads.
	LongRequestTimeout time.Duration
	// FlowControlTimeout bounds each flow-control wait of a segmented request.
	FlowControlTimeout time.Duration
	Logger             *zerolog.Logger
}

// DefaultConfig returns the timeouts used by the reference ThingSet tooling.
func DefaultConfig(addr packet.Address) Config {
	return Config{
		Address:            addr,
		RequestTimeout:     500 * time.Millisecond,
		LongRequestTimeout: 1500 * time.Millisecond,
		FlowControlTimeout: 500 * time.Millisecond,
	}
}

// PublicationFunc observes accepted publication updates. It runs on the
// receive loop and must return promptly.
type PublicationFunc func(source packet.Address, id packet.DataObjectID, value any)

// Client talks to ThingSet nodes over a CAN bus.
//
// Run must be running for requests to complete. Requests are serialized: the
// protocol carries no correlation identifier, so at most one request is
// outstanding at any time and the next response received is taken as its answer.
type Client struct {
	tr    *isotp.Transport
	cfg   Config
	log   zerolog.Logger
	codec codec

	reqMu   sync.Mutex
	pending chan Response

	running atomic.Bool
	stopped chan struct{}

	mu       sync.RWMutex
	store    map[packet.Address]map[packet.DataObjectID]any
	callback PublicationFunc
}

// NewClient creates a client bound to bus. The bus should deliver every frame
// addressed to cfg.Address and all publications; packet.ThingSetFrames selects
// exactly those.
func NewClient(bus canbus.Bus, cfg Config) (*Client, error) {
	def := DefaultConfig(cfg.Address)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.LongRequestTimeout <= 0 {
		cfg.LongRequestTimeout = def.LongRequestTimeout
	}
	if cfg.FlowControlTimeout <= 0 {
		cfg.FlowControlTimeout = def.FlowControlTimeout
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	cd, err := newCodec()
	if err != nil {
		return nil, fmt.Errorf("thingset: build codec: %w", err)
	}

	tcfg := isotp.DefaultConfig(cfg.Address)
	tcfg.FlowControlTimeout = cfg.FlowControlTimeout
	tcfg.Logger = &logger

	return &Client{
		tr:      isotp.New(bus, tcfg),
		cfg:     cfg,
		log:     logger.With().Str("component", "thingset").Logger(),
		codec:   cd,
		pending: make(chan Response, 1),
		stopped: make(chan struct{}),
		store:   make(map[packet.Address]map[packet.DataObjectID]any),
	}, nil
}

// Address returns the client's own node address.
func (c *Client) Address() packet.Address { return c.cfg.Address }

// Run receives and dispatches messages until ctx is cancelled (returns nil) or
// the bus is closed (returns canbus.ErrClosed). Malformed frames, unknown
// statuses and undecodable payloads are logged and skipped. Run may be called
// once per Client.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.stopped)
	c.log.Info().Uint8("addr", uint8(c.cfg.Address)).Msg("receive loop started")

	for {
		msg, err := c.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info().Msg("receive loop stopped")
				return nil
			}
			if errors.Is(err, canbus.ErrClosed) {
				c.log.Warn().Msg("bus closed, receive loop stopped")
				return err
			}
			observability.RecordDiscarded("frame")
			c.log.Debug().Err(err).Msg("frame discarded")
			continue
		}
		if msg.Publication {
			c.handlePublication(msg)
			continue
		}
		c.handleResponse(msg)
	}
}

func (c *Client) handleResponse(msg isotp.Message) {
	if len(msg.Data) == 0 {
		observability.RecordDiscarded("empty_response")
		c.log.Warn().Uint8("src", uint8(msg.Source)).Msg("empty response discarded")
		return
	}
	st := Status(msg.Data[0])
	if !st.Known() {
		observability.RecordDiscarded("unknown_status")
		c.log.Warn().Err(fmt.Errorf("%w: 0x%02X", ErrUnknownStatus, msg.Data[0])).
			Uint8("src", uint8(msg.Source)).Msg("response discarded")
		return
	}
	resp := Response{Status: st}
	if st == StatusContent && len(msg.Data) > 1 {
		v, err := c.codec.decode(msg.Data[1:])
		if err != nil {
			observability.RecordDiscarded("codec")
			c.log.Warn().Err(err).Uint8("src", uint8(msg.Source)).Msg("response discarded")
			return
		}
		resp.Value = v
	}
	c.log.Debug().Uint8("src", uint8(msg.Source)).Stringer("status", st).Msg("response received")

	// Replace any response nobody claimed.
	for {
		select {
		case c.pending <- resp:
			return
		default:
		}
		select {
		case <-c.pending:
		default:
		}
	}
}

// request runs one request/response cycle.
func (c *Client) request(ctx context.Context, op opcode, dst packet.Address, timeout time.Duration, args ...any) (Response, error) {
	body, err := c.codec.encodeRequest(op, args...)
	if err != nil {
		return Response{}, err
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	select {
	case <-c.stopped:
		return Response{}, ErrClientClosed
	default:
	}

	// A late answer to an earlier request must not be taken for this one.
	select {
	case stale := <-c.pending:
		c.log.Debug().Stringer("status", stale.Status).Msg("stale response dropped")
	default:
	}

	start := time.Now()
	log := c.log.With().Stringer("op", op).Uint8("dst", uint8(dst)).Logger()
	if err := c.tr.Send(ctx, dst, body); err != nil {
		observability.RecordRequest(op.String(), "send_error", time.Since(start))
		log.Warn().Err(err).Msg("request send failed")
		return Response{}, fmt.Errorf("thingset: %s to 0x%02X: %w", op, uint8(dst), err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-c.pending:
		outcome := "ok"
		if resp.Status.IsError() {
			outcome = "error_status"
		}
		observability.RecordRequest(op.String(), outcome, time.Since(start))
		log.Debug().Stringer("status", resp.Status).Dur("took", time.Since(start)).Msg("request complete")
		return resp, nil
	case <-timer.C:
		observability.RecordRequest(op.String(), "timeout", time.Since(start))
		log.Warn().Dur("timeout", timeout).Msg("no response")
		return Response{}, ErrResponseTimeout
	case <-c.stopped:
		return Response{}, ErrClientClosed
	case <-ctx.Done():
		observability.RecordRequest(op.String(), "cancelled", time.Since(start))
		return Response{}, ctx.Err()
	}
}

// Get reads the object identified by id.
func (c *Client) Get(ctx context.Context, dst packet.Address, id any) (Response, error) {
	return c.request(ctx, opGet, dst, c.cfg.RequestTimeout, id)
}

// Post calls the function or appends to the object identified by id. A nil
// args is sent as an empty argument list.
func (c *Client) Post(ctx context.Context, dst packet.Address, id any, args []any) (Response, error) {
	return c.request(ctx, opPost, dst, c.cfg.RequestTimeout, id, args)
}

// Delete removes data from a node.
func (c *Client) Delete(ctx context.Context, dst packet.Address, data any) (Response, error) {
	return c.request(ctx, opDelete, dst, c.cfg.RequestTimeout, data)
}

// Fetch reads the sub-objects ids below pathID.
func (c *Client) Fetch(ctx context.Context, dst packet.Address, pathID any, ids []any) (Response, error) {
	return c.request(ctx, opFetch, dst, c.cfg.LongRequestTimeout, pathID, ids)
}

// Patch updates fields of the object identified by objID.
func (c *Client) Patch(ctx context.Context, dst packet.Address, objID any, fields map[any]any) (Response, error) {
	return c.request(ctx, opPatch, dst, c.cfg.LongRequestTimeout, objID, fields)
}
