// Package spi runs batched exchanges on a host SPI port (Linux spidev) through
// periph.io.
package spi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/mklimuk/adcap"
)

var _ adcap.SPIBusCloser = &GenericBus{}
var _ adcap.Validator = &GenericBus{}

type GenericBus struct {
	mx      sync.Mutex
	port    spi.PortCloser
	conn    spi.Conn
	clock   physic.Frequency
	packets []spi.Packet
	closed  bool
}

// NewGenericBus loads the host drivers and connects to the port registered
// under dev (for example /dev/spidev0.0 or SPI0.0) in mode 0 with 8 bit words.
func NewGenericBus(dev string, clock physic.Frequency) (*GenericBus, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("host driver loaded", "driver", driver.String())
	}
	port, err := spireg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("%w: could not open spi port %s: %w", adcap.ErrInvalidHandle, dev, classify(err))
	}
	return NewBusFromPort(port, clock)
}

// NewBusFromPort takes ownership of an opened port. The port is closed when
// the connection cannot be established.
func NewBusFromPort(port spi.PortCloser, clock physic.Frequency) (*GenericBus, error) {
	c, err := port.Connect(clock, spi.Mode0, 8)
	if err != nil {
		err = fmt.Errorf("%w: could not connect to %s at %s: %w", adcap.ErrInvalidHandle, port, clock, err)
		return nil, multierr.Append(err, port.Close())
	}
	return &GenericBus{
		port:  port,
		conn:  c,
		clock: clock,
	}, nil
}

func (b *GenericBus) Clock() physic.Frequency { return b.clock }

func (b *GenericBus) String() string { return b.conn.String() }

// Validate checks that the connection can carry a batch of batchBytes in one
// message.
func (b *GenericBus) Validate(batchBytes int) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return fmt.Errorf("%w: bus closed", adcap.ErrInvalidHandle)
	}
	if d := b.conn.Duplex(); d != conn.Full {
		return fmt.Errorf("%w: %s is %s duplex", adcap.ErrInvalidHandle, b.conn, d)
	}
	if batchBytes <= 0 {
		return fmt.Errorf("%w: empty batch", adcap.ErrInvalidHandle)
	}
	if l, ok := b.conn.(conn.Limits); ok {
		if limit := l.MaxTxSize(); limit > 0 && batchBytes > limit {
			return fmt.Errorf("%w: batch of %d bytes exceeds the %d bytes %s accepts", adcap.ErrInvalidHandle, batchBytes, limit, b.conn)
		}
	}
	return nil
}

func (b *GenericBus) TxPackets(ctx context.Context, packets []adcap.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return fmt.Errorf("%w: bus closed", adcap.ErrInvalidHandle)
	}
	b.packets = b.packets[:0]
	for i, p := range packets {
		if p.Clock != 0 && p.Clock != b.clock {
			return fmt.Errorf("packet %d requests %s but %s runs at %s", i, p.Clock, b.conn, b.clock)
		}
		b.packets = append(b.packets, spi.Packet{W: p.W, R: p.R, KeepCS: p.KeepCS})
	}
	if err := b.conn.TxPackets(b.packets); err != nil {
		return fmt.Errorf("spi transfer on %s failed: %w", b.conn, classify(err))
	}
	return nil
}

func (b *GenericBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var err error
	if r, ok := b.conn.(conn.Resource); ok {
		err = multierr.Append(err, r.Halt())
	}
	return multierr.Append(err, b.port.Close())
}

// classify maps driver errors onto the bus sentinels. The sysfs driver does
// not wrap errno values, so the message is inspected as well.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ENXIO), errors.Is(err, syscall.ENOENT),
		strings.Contains(msg, "no such device"), strings.Contains(msg, "no such file"):
		return fmt.Errorf("%w: %w", adcap.ErrDeviceAbsent, err)
	case errors.Is(err, syscall.EBUSY), errors.Is(err, syscall.EAGAIN),
		strings.Contains(msg, "resource busy"), strings.Contains(msg, "temporarily unavailable"):
		return fmt.Errorf("%w: %w", adcap.ErrBusBusy, err)
	default:
		return err
	}
}
