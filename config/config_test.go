package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3600*physic.KiloHertz, cfg.Clock())
	assert.Equal(t, ModeContinuous, cfg.Mode)
	assert.Equal(t, []int{0, 1, 2, 3}, cfg.Channels)
}

func TestDecode_OverDefaults(t *testing.T) {
	src := `
mode: single
chip: mcp3208
channels: [7, 5]
samples: 9
threshold: 4000
clock_hz: 1000000
retry:
  max_attempts: 3
  initial_backoff: 2ms
  max_backoff: 50ms
output:
  dir: /tmp/out
`
	cfg, err := Decode(strings.NewReader(src), Default())
	require.NoError(t, err)
	assert.Equal(t, ModeSingle, cfg.Mode)
	assert.Equal(t, "mcp3208", cfg.Chip)
	assert.Equal(t, []int{7, 5}, cfg.Channels)
	assert.Equal(t, 9, cfg.Samples)
	assert.Equal(t, 4000, cfg.Threshold)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Millisecond, cfg.Retry.InitialBackoff)
	assert.Equal(t, 50*time.Millisecond, cfg.Retry.MaxBackoff)
	assert.Equal(t, "/tmp/out", cfg.Output.Dir)
	// untouched keys keep their defaults
	assert.Equal(t, "/dev/spidev0.0", cfg.Device)
	assert.Equal(t, Default().Output.Layout, cfg.Output.Layout)
	assert.NoError(t, cfg.Validate())
}

func TestDecode_Empty(t *testing.T) {
	cfg, err := Decode(strings.NewReader(""), Default())
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestDecode_UnknownKey(t *testing.T) {
	_, err := Decode(strings.NewReader("treshold: 12\n"), Default())
	assert.Error(t, err)
}

func TestDecode_DoesNotAliasBase(t *testing.T) {
	base := Default()
	cfg, err := Decode(strings.NewReader("samples: 10\n"), base)
	require.NoError(t, err)
	cfg.Channels[0] = 7
	assert.Equal(t, 0, base.Channels[0])
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adcap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("threshold: 600\nadapter: sim\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 600, cfg.Threshold)
	assert.Equal(t, AdapterSim, cfg.Adapter)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEncode_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeSingle
	out, err := cfg.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(out), "channels: [0, 1, 2, 3]")
	assert.Contains(t, string(out), "initial_backoff: 1ms")
	back, err := Decode(strings.NewReader(string(out)), Config{})
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errs   []string
	}{
		{"bad mode", func(c *Config) { c.Mode = "burst" }, []string{"mode must be"}},
		{"unknown adapter", func(c *Config) { c.Adapter = "ftdi" }, []string{"unknown adapter"}},
		{"missing device", func(c *Config) { c.Device = "" }, []string{"device path"}},
		{"no channels", func(c *Config) { c.Channels = nil }, []string{"at least one channel"}},
		{"channel out of range", func(c *Config) { c.Channels = []int{0, 8} }, []string{"channel 8 not available"}},
		{"unknown chip", func(c *Config) { c.Chip = "ads1256" }, []string{"unknown ADC chip"}},
		{"threshold above resolution", func(c *Config) { c.Threshold = 1024 }, []string{"threshold 1024"}},
		{"clock too fast", func(c *Config) { c.ClockHz = 10_000_000 }, []string{"exceeds mcp3008 maximum"}},
		{"zero samples", func(c *Config) { c.Samples = 0 }, []string{"samples per channel"}},
		{"zero blocks", func(c *Config) { c.Blocks = 0 }, []string{"blocks per batch"}},
		{"single mode block multiple", func(c *Config) { c.Mode = ModeSingle; c.Blocks = 3; c.Samples = 10 }, []string{"multiple of blocks"}},
		{"retry attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, []string{"retry attempts"}},
		{"retry backoff", func(c *Config) { c.Retry.MaxBackoff = 0 }, []string{"retry backoff"}},
		{"zero initial backoff", func(c *Config) { c.Retry.InitialBackoff = 0 }, []string{"0 < initial (0s)"}},
		{"mcp2210 chip select", func(c *Config) { c.Adapter = AdapterMCP2210; c.MCP2210.ChipSelect = 9 }, []string{"GP pin"}},
		{"several problems", func(c *Config) { c.Samples = 0; c.Mode = "x" }, []string{"samples per channel", "mode must be"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			for _, e := range tt.errs {
				assert.Contains(t, err.Error(), e)
			}
		})
	}
}
