// Package protocol encodes ADC conversion commands into batched SPI exchanges
// and decodes the responses into integer codes.
//
// Every supported converter is described by a Chip. The planner asks the chip
// to encode one command per (block, channel) pair once at startup; the
// transceiver then replays the same exchanges for every batch and asks the
// chip to decode what came back.
package protocol

import (
	"fmt"
	"sort"
	"strings"

	"periph.io/x/conn/v3/physic"
)

var ErrUnknownChip = fmt.Errorf("unknown ADC chip")
var ErrChannelRange = fmt.Errorf("channel out of range")

// Chip is the protocol encoding strategy of one ADC model in one input mode.
type Chip interface {
	Name() string
	// Inputs is the number of addressable channel selectors.
	Inputs() int
	// Bits is the conversion resolution.
	Bits() int
	// ExchangeLen is the number of bytes clocked for one conversion.
	ExchangeLen() int
	// MaxClock is the highest SPI clock the datasheet allows.
	MaxClock() physic.Frequency
	// Encode writes the command selecting channel into tx.
	Encode(channel int, tx []byte) error
	// Decode extracts the conversion result from rx.
	Decode(rx []byte) (int, error)
}

// Emulator is implemented by chips able to answer their own commands. The
// simulated bus uses it to produce responses without hardware.
type Emulator interface {
	Emulate(tx, rx []byte, sample func(channel int) int) error
}

// MaxCode returns the largest code the chip can report.
func MaxCode(c Chip) int {
	return 1<<c.Bits() - 1
}

var chips = map[string]Chip{}

func register(c Chip) {
	chips[c.Name()] = c
}

func init() {
	register(MCP3004)
	register(MCP3004Diff)
	register(MCP3008)
	register(MCP3008Diff)
	register(MCP3204)
	register(MCP3204Diff)
	register(MCP3208)
	register(MCP3208Diff)
	register(AD7924)
}

// Lookup returns the chip preset registered under name (case insensitive).
func Lookup(name string) (Chip, error) {
	c, ok := chips[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownChip, name, strings.Join(Names(), ", "))
	}
	return c, nil
}

// Names lists registered chip presets in alphabetical order.
func Names() []string {
	names := make([]string, 0, len(chips))
	for n := range chips {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func checkLen(name string, buf []byte, want int) error {
	if len(buf) < want {
		return fmt.Errorf("%s: buffer holds %d bytes, exchange needs %d", name, len(buf), want)
	}
	return nil
}
