package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

func TestBuild_ChipSelectFraming(t *testing.T) {
	tests := []struct {
		name     string
		channels []int
		blocks   int
	}{
		{"single exchange", []int{0}, 1},
		{"four channels", []int{0, 1, 2, 3}, 1},
		{"four channels three blocks", []int{0, 1, 2, 3}, 3},
		{"unordered channels", []int{5, 2, 7}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Build(MCP3008, tt.channels, tt.blocks, 3600*physic.KiloHertz)
			require.NoError(t, err)
			n := len(tt.channels) * tt.blocks
			require.Equal(t, n, p.Len())
			descs := p.Descriptors()
			packets := p.Packets()
			for i := 0; i < n-1; i++ {
				assert.True(t, descs[i].CSHold, "descriptor %d must hold chip select", i)
				assert.True(t, packets[i].KeepCS, "packet %d must keep chip select", i)
			}
			assert.False(t, descs[n-1].CSHold)
			assert.False(t, packets[n-1].KeepCS)
		})
	}
}

func TestBuild_DescriptorOrder(t *testing.T) {
	channels := []int{3, 1, 6}
	p, err := Build(MCP3008, channels, 2, physic.MegaHertz)
	require.NoError(t, err)
	i := 0
	for b := 0; b < 2; b++ {
		for o, ch := range channels {
			d, err := p.Descriptor(b, o)
			require.NoError(t, err)
			assert.Equal(t, b, d.Block)
			assert.Equal(t, o, d.Offset)
			assert.Equal(t, ch, d.Channel)
			assert.Equal(t, physic.MegaHertz, d.Clock)
			assert.Equal(t, []byte{0x01, 0x80 | byte(ch)<<4, 0x00}, d.Tx)
			assert.Equal(t, []byte{0, 0, 0}, d.Rx)
			assert.Same(t, &p.Descriptors()[i], d)
			i++
		}
	}
	assert.Equal(t, 18, p.Bytes())
}

func TestBuild_PacketsShareDescriptorBuffers(t *testing.T) {
	p, err := Build(MCP3008, []int{0, 1}, 1, physic.MegaHertz)
	require.NoError(t, err)
	p.Packets()[1].R[2] = 0xAB
	d, err := p.Descriptor(0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), d.Rx[2])
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(MCP3008, nil, 1, physic.MegaHertz)
	assert.ErrorIs(t, err, ErrAllocation)
	_, err = Build(MCP3008, []int{0}, 0, physic.MegaHertz)
	assert.ErrorIs(t, err, ErrAllocation)
	_, err = Build(MCP3008, []int{0, 1, 2, 3}, MaxBatch, physic.MegaHertz)
	assert.ErrorIs(t, err, ErrAllocation)
	_, err = Build(MCP3008, []int{0}, 1, 0)
	assert.ErrorIs(t, err, ErrAllocation)
	_, err = Build(nil, []int{0}, 1, physic.MegaHertz)
	assert.ErrorIs(t, err, ErrAllocation)
	_, err = Build(MCP3004, []int{0, 5}, 1, physic.MegaHertz)
	assert.ErrorIs(t, err, ErrChannelRange)
}

func TestBuild_MaxBatch(t *testing.T) {
	assert.Equal(t, 511, MaxBatch)
	p, err := Build(MCP3008, []int{0}, MaxBatch, physic.MegaHertz)
	require.NoError(t, err)
	assert.Equal(t, MaxBatch, p.Len())
}

func TestPlan_DescriptorBounds(t *testing.T) {
	p, err := Build(MCP3008, []int{0, 1}, 2, physic.MegaHertz)
	require.NoError(t, err)
	_, err = p.Descriptor(2, 0)
	assert.Error(t, err)
	_, err = p.Descriptor(0, 2)
	assert.Error(t, err)
	_, err = p.Descriptor(-1, 0)
	assert.Error(t, err)
}

func TestPlan_ChannelsIsCopy(t *testing.T) {
	channels := []int{0, 1}
	p, err := Build(MCP3008, channels, 1, physic.MegaHertz)
	require.NoError(t, err)
	channels[0] = 7
	assert.Equal(t, []int{0, 1}, p.Channels())
	p.Channels()[1] = 5
	assert.Equal(t, []int{0, 1}, p.Channels())
}
