package protocol

import (
	"context"
	"fmt"

	"github.com/mklimuk/adcap"
)

// Transceiver runs a planned batch over a bus and decodes the readings.
type Transceiver struct {
	bus    adcap.SPIBus
	plan   *Plan
	frames []adcap.Frame
}

func NewTransceiver(bus adcap.SPIBus, plan *Plan) *Transceiver {
	frames := make([]adcap.Frame, plan.Blocks())
	values := make([]int, plan.Len())
	n := len(plan.channels)
	for b := range frames {
		frames[b] = values[b*n : (b+1)*n : (b+1)*n]
	}
	return &Transceiver{
		bus:    bus,
		plan:   plan,
		frames: frames,
	}
}

func (t *Transceiver) Plan() *Plan { return t.plan }

// Transfer executes the whole batch as one bus operation and returns one frame
// per block. The frames are reused by the next call.
func (t *Transceiver) Transfer(ctx context.Context) ([]adcap.Frame, error) {
	for i := range t.plan.descs {
		clear(t.plan.descs[i].Rx)
	}
	err := t.bus.TxPackets(ctx, t.plan.packets)
	if err != nil {
		return nil, fmt.Errorf("batched transfer of %d exchanges failed: %w", len(t.plan.packets), err)
	}
	for i := range t.plan.descs {
		d := &t.plan.descs[i]
		v, err := t.plan.chip.Decode(d.Rx)
		if err != nil {
			return nil, fmt.Errorf("%w: block %d channel %d: %v", adcap.ErrShortTransfer, d.Block, d.Channel, err)
		}
		t.frames[d.Block][d.Offset] = v
	}
	return t.frames, nil
}
