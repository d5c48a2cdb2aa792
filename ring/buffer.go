// Package ring keeps the most recent frames of a sampling run in a fixed
// capacity circular store and turns that storage back into time order.
package ring

import (
	"fmt"

	"github.com/mklimuk/adcap"
)

var ErrFrameSize = fmt.Errorf("frame size does not match channel count")

// Buffer stores samples interleaved by channel: the value of channel c written
// at slot s lives at s*channels + c. The cursor names the next slot to be
// written, which once the ring has wrapped is also the oldest resident slot.
type Buffer struct {
	samples  int
	channels int
	data     []int
	cursor   int
	written  uint64
}

// New allocates a ring retaining samplesPerChannel frames of channels values.
func New(samplesPerChannel, channels int) (*Buffer, error) {
	if samplesPerChannel < 1 {
		return nil, fmt.Errorf("samples per channel must be positive, got %d", samplesPerChannel)
	}
	if channels < 1 {
		return nil, fmt.Errorf("channel count must be positive, got %d", channels)
	}
	if samplesPerChannel > int(^uint(0)>>1)/channels {
		return nil, fmt.Errorf("ring of %d x %d samples overflows", samplesPerChannel, channels)
	}
	return &Buffer{
		samples:  samplesPerChannel,
		channels: channels,
		data:     make([]int, samplesPerChannel*channels),
	}, nil
}

// Append stores f at the cursor and advances it, silently overwriting the
// oldest frame once the ring is full.
func (b *Buffer) Append(f adcap.Frame) error {
	if len(f) != b.channels {
		return fmt.Errorf("%w: got %d values, want %d", ErrFrameSize, len(f), b.channels)
	}
	copy(b.data[b.cursor*b.channels:(b.cursor+1)*b.channels], f)
	b.cursor++
	if b.cursor == b.samples {
		b.cursor = 0
	}
	b.written++
	return nil
}

// Cursor is the slot the next Append writes to.
func (b *Buffer) Cursor() int { return b.cursor }

func (b *Buffer) SamplesPerChannel() int { return b.samples }

func (b *Buffer) Channels() int { return b.channels }

func (b *Buffer) Capacity() int { return len(b.data) }

// Written counts every Append since creation or the last Reset.
func (b *Buffer) Written() uint64 { return b.written }

// At returns the value stored for channel at slot.
func (b *Buffer) At(slot, channel int) (int, error) {
	if slot < 0 || slot >= b.samples || channel < 0 || channel >= b.channels {
		return 0, fmt.Errorf("no sample at slot %d, channel %d (%d slots x %d channels)", slot, channel, b.samples, b.channels)
	}
	return b.data[slot*b.channels+channel], nil
}

// Frame returns a copy of the frame stored at slot.
func (b *Buffer) Frame(slot int) (adcap.Frame, error) {
	if slot < 0 || slot >= b.samples {
		return nil, fmt.Errorf("no frame at slot %d (%d slots)", slot, b.samples)
	}
	return adcap.Frame(b.data[slot*b.channels : (slot+1)*b.channels]).Clone(), nil
}

// Reset zeroes the storage and rewinds the cursor.
func (b *Buffer) Reset() {
	clear(b.data)
	b.cursor = 0
	b.written = 0
}
