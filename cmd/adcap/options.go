package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/urfave/cli/v2"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/adcap"
	"github.com/mklimuk/adcap/adapter"
	"github.com/mklimuk/adcap/cmd/adcap/console"
	"github.com/mklimuk/adcap/config"
	"github.com/mklimuk/adcap/protocol"
	"github.com/mklimuk/adcap/sim"
	"github.com/mklimuk/adcap/spi"
)

// acquisitionFlags override the matching configuration file entries.
func acquisitionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "device", Usage: "spidev port, e.g. /dev/spidev0.0"},
		&cli.StringFlag{Name: "adapter", Usage: "bus adapter: spidev, mcp2210 or sim"},
		&cli.StringFlag{Name: "chip", Usage: "converter preset, see 'config chips'"},
		&cli.IntSliceFlag{Name: "channels", Usage: "comma separated converter inputs"},
		&cli.StringFlag{Name: "clock", Usage: "SPI clock, e.g. 3.6MHz"},
		&cli.IntFlag{Name: "blocks", Usage: "time-steps per batched exchange"},
		&cli.IntFlag{Name: "samples", Usage: "frames retained per channel"},
		&cli.IntFlag{Name: "threshold", Usage: "trigger level in ADC codes"},
		&cli.StringFlag{Name: "mode", Usage: "single or continuous"},
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "capture directory"},
	}
}

// loadConfig layers defaults, the configuration file and command line flags,
// then validates the result.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
	}
	if err := applyFlags(c, &cfg); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("device") {
		cfg.Device = c.String("device")
	}
	if c.IsSet("adapter") {
		cfg.Adapter = c.String("adapter")
	}
	if c.IsSet("chip") {
		cfg.Chip = c.String("chip")
	}
	if c.IsSet("channels") {
		cfg.Channels = append([]int(nil), c.IntSlice("channels")...)
	}
	if c.IsSet("clock") {
		var f physic.Frequency
		if err := f.Set(c.String("clock")); err != nil {
			return fmt.Errorf("%w: clock: %w", config.ErrInvalid, err)
		}
		cfg.ClockHz = int64(f / physic.Hertz)
	}
	if c.IsSet("blocks") {
		cfg.Blocks = c.Int("blocks")
	}
	if c.IsSet("samples") {
		cfg.Samples = c.Int("samples")
	}
	if c.IsSet("threshold") {
		cfg.Threshold = c.Int("threshold")
	}
	if c.IsSet("mode") {
		cfg.Mode = config.Mode(c.String("mode"))
	}
	if c.IsSet("output") {
		cfg.Output.Dir = c.String("output")
	}
	return nil
}

// openBus opens the adapter selected in cfg. The configuration is expected to
// be valid.
func openBus(ctx context.Context, cfg config.Config, chip protocol.Chip) (adcap.SPIBusCloser, error) {
	switch cfg.Adapter {
	case config.AdapterSPIDev:
		return spi.NewGenericBus(cfg.Device, cfg.Clock())
	case config.AdapterMCP2210:
		return adapter.OpenMCP2210(cfg.MCP2210.Index, cfg.MCP2210.ChipSelect, cfg.Clock())
	case config.AdapterSim:
		top := protocol.MaxCode(chip)
		console.Debugf(ctx, "simulated %s, sine wave over %d frames", chip.Name(), cfg.Samples)
		return sim.NewBus(chip, sim.Sine(top/2, top/2, uint64(cfg.Samples)))
	default:
		return nil, fmt.Errorf("%w: unknown adapter %q", config.ErrInvalid, cfg.Adapter)
	}
}

// ensureDir creates the capture directory, asking first unless assumeYes.
func ensureDir(dir string, assumeYes bool) error {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s is not a directory", dir)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if !assumeYes {
		answer, err := console.YesOrNo(fmt.Sprintf("output directory %s does not exist, create it?", dir))
		if err != nil {
			return err
		}
		if answer != console.Yes {
			return fmt.Errorf("output directory %s does not exist", dir)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create output directory: %w", err)
	}
	console.PInfof(console.PictoFolder, "created %s", dir)
	return nil
}
