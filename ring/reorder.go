package ring

import (
	"fmt"

	"github.com/mklimuk/adcap"
)

// Extract returns every stored frame in chronological order: it starts at
// cursor, the oldest resident slot, wraps past the end of the ring and ends at
// cursor-1, the most recent write. It must run before the next Append or the
// window mixes two capture cycles.
func Extract(b *Buffer, cursor int) ([]adcap.Frame, error) {
	if cursor < 0 || cursor >= b.samples {
		return nil, fmt.Errorf("cursor %d outside ring of %d slots", cursor, b.samples)
	}
	out := make([]adcap.Frame, b.samples)
	values := make([]int, len(b.data))
	head := cursor * b.channels
	n := copy(values, b.data[head:])
	copy(values[n:], b.data[:head])
	for i := range out {
		out[i] = values[i*b.channels : (i+1)*b.channels : (i+1)*b.channels]
	}
	return out, nil
}

// ExtractWritten is Extract limited to the frames actually appended: until the
// ring wraps for the first time only slots 0..Written()-1 are returned.
func ExtractWritten(b *Buffer) ([]adcap.Frame, error) {
	if b.written >= uint64(b.samples) {
		return Extract(b, b.cursor)
	}
	frames, err := Extract(b, 0)
	if err != nil {
		return nil, err
	}
	return frames[:b.written], nil
}
