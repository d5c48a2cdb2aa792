package protocol

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// MCP3x0x covers the Microchip MCP3004/3008 (10-bit) and MCP3204/3208 (12-bit)
// successive approximation converters. All of them take a start bit, the
// SGL/DIFF bit and the channel selector, then clock the result out MSB first
// within a 3 byte exchange.
type MCP3x0x struct {
	name         string
	inputs       int
	bits         int
	differential bool
	maxClock     physic.Frequency
}

var (
	MCP3004     = &MCP3x0x{name: "mcp3004", inputs: 4, bits: 10, maxClock: 3600 * physic.KiloHertz}
	MCP3004Diff = &MCP3x0x{name: "mcp3004-diff", inputs: 4, bits: 10, differential: true, maxClock: 3600 * physic.KiloHertz}
	MCP3008     = &MCP3x0x{name: "mcp3008", inputs: 8, bits: 10, maxClock: 3600 * physic.KiloHertz}
	MCP3008Diff = &MCP3x0x{name: "mcp3008-diff", inputs: 8, bits: 10, differential: true, maxClock: 3600 * physic.KiloHertz}
	MCP3204     = &MCP3x0x{name: "mcp3204", inputs: 4, bits: 12, maxClock: 2 * physic.MegaHertz}
	MCP3204Diff = &MCP3x0x{name: "mcp3204-diff", inputs: 4, bits: 12, differential: true, maxClock: 2 * physic.MegaHertz}
	MCP3208     = &MCP3x0x{name: "mcp3208", inputs: 8, bits: 12, maxClock: 2 * physic.MegaHertz}
	MCP3208Diff = &MCP3x0x{name: "mcp3208-diff", inputs: 8, bits: 12, differential: true, maxClock: 2 * physic.MegaHertz}
)

const mcp3x0xLen = 3

func (m *MCP3x0x) Name() string               { return m.name }
func (m *MCP3x0x) Inputs() int                { return m.inputs }
func (m *MCP3x0x) Bits() int                  { return m.bits }
func (m *MCP3x0x) ExchangeLen() int           { return mcp3x0xLen }
func (m *MCP3x0x) MaxClock() physic.Frequency { return m.maxClock }

func (m *MCP3x0x) Encode(channel int, tx []byte) error {
	if channel < 0 || channel >= m.inputs {
		return fmt.Errorf("%s: %w: %d (0-%d)", m.name, ErrChannelRange, channel, m.inputs-1)
	}
	if err := checkLen(m.name, tx, mcp3x0xLen); err != nil {
		return err
	}
	var sgl byte = 1
	if m.differential {
		sgl = 0
	}
	ch := byte(channel)
	if m.bits == 10 {
		// start bit alone in the first byte, SGL/DIFF + D2..D0 in the high nibble of the second
		tx[0] = 0x01
		tx[1] = sgl<<7 | ch<<4
	} else {
		// 5 leading zeros, start bit, SGL/DIFF, D2 | D1, D0 on the top of the second byte
		tx[0] = 0x04 | sgl<<1 | (ch>>2)&0x01
		tx[1] = (ch & 0x03) << 6
	}
	tx[2] = 0x00
	return nil
}

func (m *MCP3x0x) Decode(rx []byte) (int, error) {
	if err := checkLen(m.name, rx, mcp3x0xLen); err != nil {
		return 0, err
	}
	// bits before the final 10 (or 12) contain garbage and might be non-zero
	if m.bits == 10 {
		return int(rx[1]&0x03)<<8 | int(rx[2]), nil
	}
	return int(rx[1]&0x0F)<<8 | int(rx[2]), nil
}

func (m *MCP3x0x) Emulate(tx, rx []byte, sample func(channel int) int) error {
	if err := checkLen(m.name, tx, mcp3x0xLen); err != nil {
		return err
	}
	if err := checkLen(m.name, rx, mcp3x0xLen); err != nil {
		return err
	}
	var channel int
	if m.bits == 10 {
		if tx[0]&0x01 == 0 {
			return fmt.Errorf("%s: missing start bit", m.name)
		}
		channel = int(tx[1]>>4) & 0x07
	} else {
		if tx[0]&0x04 == 0 {
			return fmt.Errorf("%s: missing start bit", m.name)
		}
		channel = int(tx[0]&0x01)<<2 | int(tx[1]>>6)
	}
	code := clamp(sample(channel), 1<<m.bits-1)
	rx[0] = 0x00
	if m.bits == 10 {
		rx[1] = byte(code>>8) & 0x03
	} else {
		rx[1] = byte(code>>8) & 0x0F
	}
	rx[2] = byte(code)
	return nil
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
