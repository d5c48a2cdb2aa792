// Package config holds the acquisition settings. A Config is built once at
// startup (defaults, then an optional YAML file, then command line overrides),
// validated, and handed by value to every component.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/adcap/protocol"
)

// Version is injected at build time.
var Version = "latest"

var ErrInvalid = fmt.Errorf("invalid configuration")

type Mode string

const (
	ModeSingle     Mode = "single"
	ModeContinuous Mode = "continuous"
)

const (
	AdapterSPIDev  = "spidev"
	AdapterMCP2210 = "mcp2210"
	AdapterSim     = "sim"
)

const (
	PlatformNanoPi = "nanopi"
	PlatformRaspi  = "raspi"
)

type Config struct {
	Device    string  `yaml:"device"`
	Adapter   string  `yaml:"adapter"`
	Chip      string  `yaml:"chip"`
	Channels  []int   `yaml:"channels,flow"`
	ClockHz   int64   `yaml:"clock_hz"`
	Blocks    int     `yaml:"blocks"`
	Samples   int     `yaml:"samples"`
	Threshold int     `yaml:"threshold"`
	Mode      Mode    `yaml:"mode"`
	Output    Output  `yaml:"output"`
	Retry     Retry   `yaml:"retry"`
	MCP2210   MCP2210 `yaml:"mcp2210"`
	Probe     Probe   `yaml:"probe"`
}

type Output struct {
	Dir    string `yaml:"dir"`
	Layout string `yaml:"layout"`
}

// Retry bounds how transient transfer failures are retried before the run is
// aborted.
type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type MCP2210 struct {
	// ChipSelect is the GP pin (0-8) wired to the converter's CS input.
	ChipSelect int `yaml:"chip_select"`
	// Index selects among several bridges attached to the host.
	Index int `yaml:"index"`
}

type Probe struct {
	Platform string `yaml:"platform"`
	Bus      int    `yaml:"bus"`
	ChipCS   int    `yaml:"chip_select"`
}

// Default reproduces the settings of the bench setup the tool was written for:
// an MCP3008 on the first spidev port sampling four channels.
func Default() Config {
	return Config{
		Device:    "/dev/spidev0.0",
		Adapter:   AdapterSPIDev,
		Chip:      "mcp3008",
		Channels:  []int{0, 1, 2, 3},
		ClockHz:   3_600_000,
		Blocks:    1,
		Samples:   20000,
		Threshold: 450,
		Mode:      ModeContinuous,
		Output: Output{
			Dir:    "captures",
			Layout: "02_01_2006_15_04_05.csv",
		},
		Retry: Retry{
			MaxAttempts:    5,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
		},
		Probe: Probe{
			Platform: PlatformRaspi,
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not open config file: %w", err)
	}
	defer func() { _ = f.Close() }()
	cfg, err := Decode(f, Default())
	if err != nil {
		return Config{}, fmt.Errorf("could not load %s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads YAML from r over base.
func Decode(r io.Reader, base Config) (Config, error) {
	cfg := base.Clone()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(&cfg)
	if err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("could not decode config: %w", err)
	}
	return cfg, nil
}

// Encode renders the configuration as YAML.
func (c Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("could not encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Clone returns a copy sharing no slices with c.
func (c Config) Clone() Config {
	c.Channels = slices.Clone(c.Channels)
	return c
}

func (c Config) Clock() physic.Frequency {
	return physic.Frequency(c.ClockHz) * physic.Hertz
}

// ChipProtocol resolves the configured chip preset.
func (c Config) ChipProtocol() (protocol.Chip, error) {
	return protocol.Lookup(c.Chip)
}

// Validate reports every problem found, not only the first.
func (c Config) Validate() error {
	var errs error
	invalid := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	switch c.Mode {
	case ModeSingle, ModeContinuous:
	default:
		invalid("mode must be %q or %q, got %q", ModeSingle, ModeContinuous, c.Mode)
	}
	switch c.Adapter {
	case AdapterSPIDev:
		if c.Device == "" {
			invalid("device path is required for the %s adapter", AdapterSPIDev)
		}
	case AdapterMCP2210:
		if c.MCP2210.ChipSelect < 0 || c.MCP2210.ChipSelect > 8 {
			invalid("mcp2210 chip select must be a GP pin 0-8, got %d", c.MCP2210.ChipSelect)
		}
		if c.MCP2210.Index < 0 {
			invalid("mcp2210 index must not be negative")
		}
	case AdapterSim:
	default:
		invalid("unknown adapter %q", c.Adapter)
	}
	if len(c.Channels) == 0 {
		invalid("at least one channel is required")
	}
	if c.Blocks < 1 {
		invalid("blocks per batch must be positive, got %d", c.Blocks)
	}
	if c.Samples < 1 {
		invalid("samples per channel must be positive, got %d", c.Samples)
	}
	if c.Samples > 0 && c.Blocks > 0 && c.Mode == ModeSingle && c.Samples%c.Blocks != 0 {
		invalid("samples (%d) must be a multiple of blocks (%d) in single mode", c.Samples, c.Blocks)
	}
	if c.ClockHz <= 0 {
		invalid("clock rate must be positive, got %d Hz", c.ClockHz)
	}
	if c.Output.Dir == "" {
		invalid("output directory is required")
	}
	if c.Retry.MaxAttempts < 1 {
		invalid("retry attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialBackoff <= 0 || c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		invalid("retry backoff must satisfy 0 < initial (%s) <= max (%s)", c.Retry.InitialBackoff, c.Retry.MaxBackoff)
	}
	chip, err := c.ChipProtocol()
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
		return errs
	}
	for _, ch := range c.Channels {
		if ch < 0 || ch >= chip.Inputs() {
			invalid("channel %d not available on %s (0-%d)", ch, chip.Name(), chip.Inputs()-1)
		}
	}
	if c.Clock() > chip.MaxClock() {
		invalid("clock rate %s exceeds %s maximum of %s", c.Clock(), chip.Name(), chip.MaxClock())
	}
	if c.Threshold < 0 || c.Threshold > protocol.MaxCode(chip) {
		invalid("threshold %d outside %s code range 0-%d", c.Threshold, chip.Name(), protocol.MaxCode(chip))
	}
	if len(c.Channels) > 0 && c.Blocks > 0 && c.Blocks > protocol.MaxBatch/len(c.Channels) {
		invalid("%d channels x %d blocks exceeds %d exchanges per batch", len(c.Channels), c.Blocks, protocol.MaxBatch)
	}
	return errs
}
