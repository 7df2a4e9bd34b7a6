package packet

import (
	"fmt"

	"github.com/notnil/thingset/canbus"
)

func ExampleEncodeService() {
	id, _ := EncodeService(PriorityService, 0x0A, 0x01)
	fmt.Printf("%08X\n", id)
	// Output: 1EDA0A01
}

func ExampleDecode() {
	f, _ := Decode(canbus.MustFrame(0x1EDA010A, []byte{0x01, 0x84}))
	s := f.(Single)
	fmt.Printf("%s from %02X: % X\n", s.Kind(), s.ID.Source, s.Data)
	// Output: single from 0A: 84
}
