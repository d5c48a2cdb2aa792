// Package sim provides an SPI bus that answers ADC commands without hardware.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/mklimuk/adcap"
	"github.com/mklimuk/adcap/protocol"
)

// SignalFunc returns the code a channel reads at a given batch number.
type SignalFunc func(channel int, step uint64) int

// FaultFunc may return an error to fail the batch with the given number.
type FaultFunc func(step uint64) error

// Bus is a simulated converter behind a batched SPI bus. Every TxPackets call
// is one step; each packet is answered by the chip emulator with the value the
// signal function produces for the addressed channel.
//
// Example usage:
//
//	// constant level on every channel
//	bus, _ := sim.NewBus(protocol.MCP3008, func(ch int, step uint64) int { return 512 })
//
//	// one pulse on channel 2 at batch 100
//	bus, _ := sim.NewBus(protocol.MCP3008, sim.Pulse(2, 100, 10, 900, 20))
type Bus struct {
	mx     sync.Mutex
	em     protocol.Emulator
	signal SignalFunc
	fault  FaultFunc
	step   uint64
	closed bool
}

type BusOpt func(*Bus)

// WithFaults injects errors into selected batches.
func WithFaults(fault FaultFunc) BusOpt {
	return func(b *Bus) {
		b.fault = fault
	}
}

func NewBus(chip protocol.Chip, signal SignalFunc, opts ...BusOpt) (*Bus, error) {
	em, ok := chip.(protocol.Emulator)
	if !ok {
		return nil, fmt.Errorf("chip %s cannot be simulated", chip.Name())
	}
	b := &Bus{
		em:     em,
		signal: signal,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Bus) TxPackets(ctx context.Context, packets []adcap.Packet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.closed {
		return fmt.Errorf("simulated bus: %w", adcap.ErrDeviceAbsent)
	}
	step := b.step
	b.step++
	if b.fault != nil {
		if err := b.fault(step); err != nil {
			return err
		}
	}
	sample := func(channel int) int { return b.signal(channel, step) }
	for i := range packets {
		if len(packets[i].R) < len(packets[i].W) {
			return fmt.Errorf("simulated bus: packet %d: %w", i, adcap.ErrShortTransfer)
		}
		if err := b.em.Emulate(packets[i].W, packets[i].R, sample); err != nil {
			return fmt.Errorf("simulated bus: packet %d: %w", i, err)
		}
	}
	return nil
}

// Validate accepts any batch size.
func (b *Bus) Validate(batchBytes int) error {
	if batchBytes <= 0 {
		return fmt.Errorf("%w: empty batch", adcap.ErrInvalidHandle)
	}
	return nil
}

// Steps is the number of batches served so far.
func (b *Bus) Steps() uint64 {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.step
}

func (b *Bus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.closed = true
	return nil
}

// Constant reads level on every channel.
func Constant(level int) SignalFunc {
	return func(int, uint64) int { return level }
}

// Pulse reads base everywhere except on channel, which reads peak for width
// batches starting at batch start.
func Pulse(channel int, start, width uint64, peak, base int) SignalFunc {
	return func(ch int, step uint64) int {
		if ch == channel && step >= start && step < start+width {
			return peak
		}
		return base
	}
}

// Sine produces a sine wave of the given period (in batches) around mid, phase
// shifted by a quarter period per channel.
func Sine(mid, amplitude int, period uint64) SignalFunc {
	return func(ch int, step uint64) int {
		if period == 0 {
			return mid
		}
		phase := 2 * math.Pi * (float64(step%period)/float64(period) + float64(ch)/4)
		return mid + int(math.Round(float64(amplitude)*math.Sin(phase)))
	}
}
