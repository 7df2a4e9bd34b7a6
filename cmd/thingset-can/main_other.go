//go:build !linux

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "thingset-can: SocketCAN is only available on Linux")
	os.Exit(1)
}
