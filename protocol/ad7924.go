package protocol

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
)

// AD7924 is the Analog Devices 4-channel 12-bit converter driven without the
// sequencer, at full power and with a 0..Vref range. The converter is
// pipelined: each result belongs to the channel addressed by the previous
// exchange, and the response carries that channel's address in bits 13:12.
var AD7924 = &ad7924{}

const ad7924Len = 2

type ad7924 struct{}

func (ad7924) Name() string               { return "ad7924" }
func (ad7924) Inputs() int                { return 4 }
func (ad7924) Bits() int                  { return 12 }
func (ad7924) ExchangeLen() int           { return ad7924Len }
func (ad7924) MaxClock() physic.Frequency { return 20 * physic.MegaHertz }

func (a ad7924) Encode(channel int, tx []byte) error {
	if channel < 0 || channel >= a.Inputs() {
		return fmt.Errorf("ad7924: %w: %d (0-%d)", ErrChannelRange, channel, a.Inputs()-1)
	}
	if err := checkLen("ad7924", tx, ad7924Len); err != nil {
		return err
	}
	// WRITE | ADD1..ADD0 | PM1..PM0 = normal operation
	tx[0] = 1<<7 | byte(channel)<<2 | 0x03
	// straight binary coding
	tx[1] = 1 << 1
	return nil
}

func (ad7924) Decode(rx []byte) (int, error) {
	if err := checkLen("ad7924", rx, ad7924Len); err != nil {
		return 0, err
	}
	return int(rx[0]&0x0F)<<8 | int(rx[1]), nil
}

func (a ad7924) Emulate(tx, rx []byte, sample func(channel int) int) error {
	if err := checkLen("ad7924", tx, ad7924Len); err != nil {
		return err
	}
	if err := checkLen("ad7924", rx, ad7924Len); err != nil {
		return err
	}
	if tx[0]&0x80 == 0 {
		return fmt.Errorf("ad7924: control register write bit not set")
	}
	channel := int(tx[0]>>2) & 0x03
	code := clamp(sample(channel), 1<<a.Bits()-1)
	rx[0] = byte(channel)<<4 | byte(code>>8)&0x0F
	rx[1] = byte(code)
	return nil
}
