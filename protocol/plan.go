package protocol

import (
	"fmt"

	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/adcap"
)

var ErrAllocation = fmt.Errorf("could not allocate transfer plan")

// MaxBatch is the largest number of chained exchanges one spidev message can
// carry: the ioctl request encodes the size of the transfer array (32 bytes per
// transfer) on 14 bits.
const MaxBatch = (1<<14 - 1) / 32

// Descriptor is one planned exchange for one channel within one block.
type Descriptor struct {
	Block   int
	Offset  int // position of the channel in the configured channel list
	Channel int // chip channel selector
	Tx      []byte
	Rx      []byte
	Clock   physic.Frequency
	// CSHold keeps the chip select asserted after this exchange. Only the last
	// descriptor of a batch clears it.
	CSHold bool
}

// Plan holds every descriptor of a batch. It is built once and reused for
// every transfer; only the contents of the Rx buffers change.
type Plan struct {
	chip     Chip
	channels []int
	blocks   int
	descs    []Descriptor
	packets  []adcap.Packet
}

// Build encodes the commands sampling every channel blocks times in a single
// batched bus operation.
func Build(chip Chip, channels []int, blocks int, clock physic.Frequency) (*Plan, error) {
	if chip == nil {
		return nil, fmt.Errorf("%w: no chip protocol", ErrAllocation)
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("%w: empty channel list", ErrAllocation)
	}
	if blocks < 1 {
		return nil, fmt.Errorf("%w: blocks per batch must be positive, got %d", ErrAllocation, blocks)
	}
	if blocks > MaxBatch/len(channels) {
		return nil, fmt.Errorf("%w: %d channels x %d blocks exceeds %d exchanges per batch", ErrAllocation, len(channels), blocks, MaxBatch)
	}
	if clock <= 0 {
		return nil, fmt.Errorf("%w: invalid clock rate %s", ErrAllocation, clock)
	}
	n := len(channels) * blocks
	size := chip.ExchangeLen()
	p := &Plan{
		chip:     chip,
		channels: append([]int(nil), channels...),
		blocks:   blocks,
		descs:    make([]Descriptor, n),
		packets:  make([]adcap.Packet, n),
	}
	// one backing array per direction keeps the batch contiguous in memory
	tx := make([]byte, n*size)
	rx := make([]byte, n*size)
	for b := 0; b < blocks; b++ {
		for o, ch := range channels {
			i := b*len(channels) + o
			d := &p.descs[i]
			d.Block = b
			d.Offset = o
			d.Channel = ch
			d.Tx = tx[i*size : (i+1)*size : (i+1)*size]
			d.Rx = rx[i*size : (i+1)*size : (i+1)*size]
			d.Clock = clock
			d.CSHold = true
			if err := chip.Encode(ch, d.Tx); err != nil {
				return nil, fmt.Errorf("could not encode command for channel %d: %w", ch, err)
			}
		}
	}
	p.descs[n-1].CSHold = false
	for i := range p.descs {
		p.packets[i] = adcap.Packet{
			W:      p.descs[i].Tx,
			R:      p.descs[i].Rx,
			Clock:  p.descs[i].Clock,
			KeepCS: p.descs[i].CSHold,
		}
	}
	return p, nil
}

func (p *Plan) Chip() Chip { return p.chip }

// Channels returns a copy of the configured channel selectors.
func (p *Plan) Channels() []int { return append([]int(nil), p.channels...) }

func (p *Plan) Blocks() int { return p.blocks }

// Len is the number of exchanges in one batch.
func (p *Plan) Len() int { return len(p.descs) }

// Bytes is the total number of bytes clocked by one batch.
func (p *Plan) Bytes() int { return len(p.descs) * p.chip.ExchangeLen() }

// Descriptor returns the exchange planned for the channel at offset within block.
func (p *Plan) Descriptor(block, offset int) (*Descriptor, error) {
	if block < 0 || block >= p.blocks || offset < 0 || offset >= len(p.channels) {
		return nil, fmt.Errorf("no descriptor for block %d, offset %d (%d blocks x %d channels)", block, offset, p.blocks, len(p.channels))
	}
	return &p.descs[block*len(p.channels)+offset], nil
}

// Descriptors returns the batch in execution order. The slice is shared with
// the plan and must not be modified.
func (p *Plan) Descriptors() []Descriptor { return p.descs }

// Packets returns the bus packets of the batch. They share their buffers with
// the descriptors.
func (p *Plan) Packets() []adcap.Packet { return p.packets }
