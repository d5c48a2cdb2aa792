package adcap

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/physic"
)

var ErrBusBusy = fmt.Errorf("SPI engine is busy (transfer not completed)")
var ErrDeviceAbsent = fmt.Errorf("SPI device absent or disconnected")
var ErrShortTransfer = fmt.Errorf("truncated SPI transfer")
var ErrInvalidHandle = fmt.Errorf("invalid SPI device handle")

// Packet is one chained exchange of a batched SPI operation. W and R have the
// same length. KeepCS keeps the chip select asserted after the packet; it is
// set on every packet of a batch except the last one.
type Packet struct {
	W, R   []byte
	Clock  physic.Frequency
	KeepCS bool
}

// SPIBus executes a whole batch of packets as one bus operation and fills
// every packet's R buffer.
type SPIBus interface {
	TxPackets(ctx context.Context, packets []Packet) error
}

type SPIBusCloser interface {
	SPIBus
	Close() error
}

// Validator is implemented by buses able to check, before sampling starts, that
// the opened handle can carry a batch of the given size in bytes.
type Validator interface {
	Validate(batchBytes int) error
}
