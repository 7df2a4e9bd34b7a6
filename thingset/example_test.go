package thingset_test

import (
	"context"
	"fmt"

	"github.com/notnil/thingset/canbus"
	"github.com/notnil/thingset/isotp"
	"github.com/notnil/thingset/packet"
	"github.com/notnil/thingset/thingset"
)

func ExampleClient_Patch() {
	bus := canbus.NewLoopbackBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A node at 0x0A that acknowledges every request with Changed.
	node := isotp.New(bus.Open(), isotp.DefaultConfig(0x0A))
	go func() {
		for {
			msg, err := node.Receive(ctx)
			if err != nil {
				return
			}
			_ = node.Send(ctx, msg.Source, []byte{0x84})
		}
	}()

	client, err := thingset.NewClient(bus.Open(), thingset.DefaultConfig(0x01))
	if err != nil {
		panic(err)
	}
	go client.Run(ctx)

	resp, err := client.Patch(ctx, packet.Address(0x0A), 0x05, map[any]any{0x61: true})
	if err != nil {
		panic(err)
	}
	fmt.Println(resp.Result())
	// Output: Changed
}
