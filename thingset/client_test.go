package thingset

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/notnil/thingset/canbus"
	"github.com/notnil/thingset/internal/observability"
	"github.com/notnil/thingset/isotp"
	"github.com/notnil/thingset/packet"
)

const (
	self packet.Address = 0x01
	node packet.Address = 0x0A
)

// handler answers the n-th request (from 0). A nil reply sends nothing.
type handler func(n int, req []byte) (reply []byte, delay time.Duration)

type harness struct {
	client *Client
	peer   canbus.Bus // raw endpoint for injecting frames
	reqs   chan []byte
}

func newHarness(t *testing.T, cfg Config, h handler) *harness {
	t.Helper()
	bus := canbus.NewLoopbackBus()
	ctx, cancel := context.WithCancel(context.Background())

	c, err := NewClient(bus.Open(), cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = c.Run(ctx)
	}()

	hs := &harness{client: c, peer: bus.Open(), reqs: make(chan []byte, 16)}
	serveNode(ctx, bus.Open(), hs.reqs, h)

	t.Cleanup(func() {
		cancel()
		<-runDone
		_ = bus.Close()
	})
	return hs
}

// serveNode runs a ThingSet node at address node that answers through h.
func serveNode(ctx context.Context, ep canbus.Bus, reqs chan<- []byte, h handler) {
	tr := isotp.New(ep, isotp.DefaultConfig(node))
	go func() {
		n := 0
		for {
			msg, err := tr.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, canbus.ErrClosed) {
					return
				}
				continue
			}
			if msg.Publication {
				continue
			}
			select {
			case reqs <- msg.Data:
			default:
			}
			reply, delay := h(n, msg.Data)
			n++
			if reply == nil {
				continue
			}
			// Replies go out from their own goroutine so this loop keeps
			// delivering flow control to the sender.
			go func(dst packet.Address) {
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return
					}
				}
				_ = tr.Send(ctx, dst, reply)
			}(msg.Source)
		}
	}()
}

func content(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return append([]byte{byte(StatusContent)}, b...)
}

func fixed(reply []byte) handler {
	return func(int, []byte) ([]byte, time.Duration) { return reply, 0 }
}

func testConfig() Config {
	cfg := DefaultConfig(self)
	cfg.RequestTimeout = 300 * time.Millisecond
	cfg.LongRequestTimeout = 300 * time.Millisecond
	return cfg
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_GetContent(t *testing.T) {
	h := newHarness(t, DefaultConfig(self), fixed(content(t, map[any]any{0x71: 51.2})))

	resp, err := h.client.Get(ctxT(t), node, 0x02)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := map[any]any{uint64(0x71): 51.2}
	if resp.Status != StatusContent || !reflect.DeepEqual(resp.Result(), want) {
		t.Fatalf("got %v %#v", resp.Status, resp.Result())
	}
	if req := <-h.reqs; !bytes.Equal(req, []byte{0x01, 0x02}) {
		t.Fatalf("request % X", req)
	}
}

func TestClient_PatchChanged(t *testing.T) {
	h := newHarness(t, DefaultConfig(self), fixed([]byte{byte(StatusChanged)}))

	resp, err := h.client.Patch(ctxT(t), node, 0x05, map[any]any{0x61: true})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if got := resp.Result(); got != "Changed" {
		t.Fatalf("result %v", got)
	}
	want := []byte{0x07, 0x05, 0xA1, 0x18, 0x61, 0xF5}
	if req := <-h.reqs; !bytes.Equal(req, want) {
		t.Fatalf("request % X, want % X", req, want)
	}
}

func TestClient_RequestEncodings(t *testing.T) {
	h := newHarness(t, testConfig(), fixed([]byte{byte(StatusValid)}))
	ctx := ctxT(t)

	cases := []struct {
		name string
		call func() (Response, error)
		want []byte
	}{
		{"post without args", func() (Response, error) { return h.client.Post(ctx, node, 0x30, nil) }, []byte{0x02, 0x18, 0x30, 0x80}},
		{"post with args", func() (Response, error) { return h.client.Post(ctx, node, 0x30, []any{1, "a"}) }, []byte{0x02, 0x18, 0x30, 0x82, 0x01, 0x61, 'a'}},
		{"delete", func() (Response, error) { return h.client.Delete(ctx, node, 0x41) }, []byte{0x04, 0x18, 0x41}},
		{"fetch", func() (Response, error) { return h.client.Fetch(ctx, node, 0x00, []any{0x40, 0x41}) }, []byte{0x05, 0x00, 0x82, 0x18, 0x40, 0x18, 0x41}},
		{"get by path", func() (Response, error) { return h.client.Get(ctx, node, "Bat") }, []byte{0x01, 0x63, 'B', 'a', 't'}},
	}
	for _, tc := range cases {
		resp, err := tc.call()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if resp.Result() != "Valid" {
			t.Fatalf("%s: result %v", tc.name, resp.Result())
		}
		if req := <-h.reqs; !bytes.Equal(req, tc.want) {
			t.Fatalf("%s: request % X, want % X", tc.name, req, tc.want)
		}
	}
}

func TestClient_ErrorStatusIsAValue(t *testing.T) {
	h := newHarness(t, testConfig(), fixed([]byte{byte(StatusNotFound)}))
	resp, err := h.client.Get(ctxT(t), node, 0x99)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !resp.Status.IsError() || resp.Result() != "NotFound" {
		t.Fatalf("got %v", resp)
	}
}

func TestClient_EmptyContent(t *testing.T) {
	h := newHarness(t, testConfig(), fixed([]byte{byte(StatusContent)}))
	resp, err := h.client.Post(ctxT(t), node, 0x50, nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.Status != StatusContent || resp.Value != nil {
		t.Fatalf("got %+v", resp)
	}
}

func TestClient_TimeoutLeavesNoResidue(t *testing.T) {
	h := newHarness(t, testConfig(), func(n int, _ []byte) ([]byte, time.Duration) {
		if n == 0 {
			return nil, 0
		}
		return []byte{byte(StatusChanged)}, 0
	})
	ctx := ctxT(t)

	start := time.Now()
	if _, err := h.client.Get(ctx, node, 0x01); !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("want ErrResponseTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Fatalf("timed out after %v", elapsed)
	}
	resp, err := h.client.Patch(ctx, node, 0x05, map[any]any{0x61: false})
	if err != nil || resp.Status != StatusChanged {
		t.Fatalf("follow-up: %v %v", resp, err)
	}
}

func TestClient_LateResponseIsDropped(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, func(n int, _ []byte) ([]byte, time.Duration) {
		if n == 0 {
			return []byte{byte(StatusDeleted)}, 100 * time.Millisecond
		}
		return []byte{byte(StatusCreated)}, 0
	})
	ctx := ctxT(t)

	if _, err := h.client.Delete(ctx, node, 0x10); !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("want timeout, got %v", err)
	}
	time.Sleep(150 * time.Millisecond) // late Deleted now sits unclaimed
	resp, err := h.client.Post(ctx, node, 0x11, nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if resp.Status != StatusCreated {
		t.Fatalf("got %v, stale response leaked", resp.Status)
	}
}

func TestClient_BadResponsesKeepLoopAlive(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg, func(n int, _ []byte) ([]byte, time.Duration) {
		switch n {
		case 0:
			return []byte{0x99}, 0
		case 1:
			return []byte{byte(StatusContent), 0xFF, 0xFF}, 0
		default:
			return []byte{byte(StatusValid)}, 0
		}
	})
	ctx := ctxT(t)

	unknown := testutil.ToFloat64(observability.Discarded().WithLabelValues("unknown_status"))
	codecErr := testutil.ToFloat64(observability.Discarded().WithLabelValues("codec"))

	for i := 0; i < 2; i++ {
		if _, err := h.client.Get(ctx, node, i); !errors.Is(err, ErrResponseTimeout) {
			t.Fatalf("request %d: want timeout, got %v", i, err)
		}
	}
	resp, err := h.client.Get(ctx, node, 2)
	if err != nil || resp.Status != StatusValid {
		t.Fatalf("loop did not survive: %v %v", resp, err)
	}
	if d := testutil.ToFloat64(observability.Discarded().WithLabelValues("unknown_status")) - unknown; d != 1 {
		t.Fatalf("unknown status discards moved by %v", d)
	}
	if d := testutil.ToFloat64(observability.Discarded().WithLabelValues("codec")) - codecErr; d != 1 {
		t.Fatalf("codec discards moved by %v", d)
	}
}

func publish(t *testing.T, ep canbus.Bus, src packet.Address, id packet.DataObjectID, v any) {
	t.Helper()
	data, err := cbor.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	f := packet.Publication{
		ID:   packet.PublicationID{Priority: packet.PriorityPublication, DataObjectID: id, Source: src},
		Data: data,
	}
	raw, err := f.MarshalCANFrame()
	if err != nil {
		t.Fatal(err)
	}
	if err := ep.Send(context.Background(), raw); err != nil {
		t.Fatal(err)
	}
}

type update struct {
	src   packet.Address
	id    packet.DataObjectID
	value any
}

func TestClient_Publications(t *testing.T) {
	h := newHarness(t, testConfig(), fixed(nil))
	updates := make(chan update, 8)
	var calls atomic.Int32
	h.client.SetPublicationCallback(func(src packet.Address, id packet.DataObjectID, v any) {
		calls.Add(1)
		updates <- update{src, id, v}
	})

	h.client.Subscribe(0x14)
	if vals, ok := h.client.Publications(0x14); !ok || len(vals) != 0 {
		t.Fatalf("fresh subscription: %v %v", vals, ok)
	}

	publish(t, h.peer, 0x15, 0x71, float32(1.5)) // not subscribed
	publish(t, h.peer, 0x14, 0x71, float32(13.4))

	want := float64(float32(13.4))
	select {
	case u := <-updates:
		if u.src != 0x14 || u.id != 0x71 || u.value != want {
			t.Fatalf("callback got %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("no publication callback")
	}
	time.Sleep(50 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("callback invoked %d times", n)
	}
	if v, ok := h.client.Publication(0x14, 0x71); !ok || v != want {
		t.Fatalf("store holds %v %v", v, ok)
	}
	if _, ok := h.client.Publications(0x15); ok {
		t.Fatal("unsubscribed source must not get a store entry")
	}
}

func TestClient_PublicationSnapshotIsACopy(t *testing.T) {
	h := newHarness(t, testConfig(), fixed(nil))
	got := make(chan struct{}, 4)
	h.client.SetPublicationCallback(func(packet.Address, packet.DataObjectID, any) { got <- struct{}{} })
	h.client.Subscribe(0x20)

	publish(t, h.peer, 0x20, 0x01, uint64(7))
	<-got
	snap, _ := h.client.Publications(0x20)
	snap[0x01] = "mutated"
	if v, _ := h.client.Publication(0x20, 0x01); v != uint64(7) {
		t.Fatalf("store changed through snapshot: %v", v)
	}
}

func TestClient_RunStopsOnClosedBus(t *testing.T) {
	bus := canbus.NewLoopbackBus()
	c, err := NewClient(bus.Open(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()

	_ = bus.Close()
	select {
	case err := <-errc:
		if !errors.Is(err, canbus.ErrClosed) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
	if _, err := c.Get(context.Background(), node, 1); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("want ErrClientClosed, got %v", err)
	}
	if err := c.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second run: %v", err)
	}
}

func TestClient_ConcurrentRequestsAreSerialized(t *testing.T) {
	// The node echoes the requested id, so interleaved cycles would hand a
	// caller someone else's answer.
	h := newHarness(t, testConfig(), func(_ int, req []byte) ([]byte, time.Duration) {
		return append([]byte{byte(StatusContent)}, req[1:]...), 5 * time.Millisecond
	})
	ctx := ctxT(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := h.client.Get(ctx, node, i)
			if err != nil {
				t.Errorf("get %d: %v", i, err)
				return
			}
			if resp.Value != uint64(i) {
				t.Errorf("get %d answered with %v", i, resp.Value)
			}
		}(i)
	}
	wg.Wait()
}
