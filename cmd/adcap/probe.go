package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"gobot.io/x/gobot/v2/drivers/spi"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"gobot.io/x/gobot/v2/platforms/raspi"

	"github.com/mklimuk/adcap/cmd/adcap/console"
	"github.com/mklimuk/adcap/config"
)

type probeAdaptor interface {
	spi.Connector
	Connect() error
	Finalize() error
}

type channelReader interface {
	Start() error
	Halt() error
	Read(channel int) (int, error)
}

var probeCmd = cli.Command{
	Name:  "probe",
	Usage: "read every configured channel once per interval through the board's SPI driver",
	Flags: append(acquisitionFlags(),
		&cli.StringFlag{Name: "platform", Usage: "board: raspi or nanopi"},
		&cli.IntFlag{Name: "bus", Usage: "SPI bus number"},
		&cli.IntFlag{Name: "cs", Usage: "SPI chip select"},
		&cli.IntFlag{Name: "count", Value: 1, Usage: "number of readings"},
		&cli.DurationFlag{Name: "interval", Value: 500 * time.Millisecond, Usage: "delay between readings"},
	),
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		if c.IsSet("platform") {
			cfg.Probe.Platform = c.String("platform")
		}
		if c.IsSet("bus") {
			cfg.Probe.Bus = c.Int("bus")
		}
		if c.IsSet("cs") {
			cfg.Probe.ChipCS = c.Int("cs")
		}
		board, err := newProbeAdaptor(cfg.Probe.Platform)
		if err != nil {
			return console.Exit(1, "probe error: %s", console.Red(err))
		}
		if err := board.Connect(); err != nil {
			return console.Exit(1, "could not connect to %s: %s", cfg.Probe.Platform, console.Red(err))
		}
		drv, err := newProbeDriver(board, cfg)
		if err != nil {
			return console.Exit(1, "probe error: %s", multierr.Append(err, board.Finalize()))
		}
		if err := drv.Start(); err != nil {
			err = multierr.Append(err, board.Finalize())
			return console.Exit(1, "SPI device start error: %s", console.Red(err))
		}
		defer func() {
			if err := multierr.Combine(drv.Halt(), board.Finalize()); err != nil {
				console.Warnf("could not release SPI device: %s", err)
			}
		}()
		console.PInfof(console.PictoProbe, "%s on %s bus %d cs %d", cfg.Chip, cfg.Probe.Platform, cfg.Probe.Bus, cfg.Probe.ChipCS)
		for i := 0; i < c.Int("count"); i++ {
			if i > 0 {
				select {
				case <-c.Context.Done():
					return nil
				case <-time.After(c.Duration("interval")):
				}
			}
			line, err := probeLine(drv, cfg.Channels, cfg.Threshold)
			if err != nil {
				return console.Exit(1, "read error: %s", console.Red(err))
			}
			console.Printf("%s\n", line)
		}
		return nil
	},
}

func newProbeAdaptor(platform string) (probeAdaptor, error) {
	switch platform {
	case config.PlatformRaspi:
		return raspi.NewAdaptor(), nil
	case config.PlatformNanoPi:
		return nanopi.NewNeoAdaptor(), nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", platform)
	}
}

// newProbeDriver picks the driver matching the configured preset. Only
// single-ended MCP3xxx presets have a board driver.
func newProbeDriver(board spi.Connector, cfg config.Config) (channelReader, error) {
	opts := []func(spi.Config){
		spi.WithBusNumber(cfg.Probe.Bus),
		spi.WithChipNumber(cfg.Probe.ChipCS),
		spi.WithSpeed(cfg.ClockHz),
	}
	chip, err := cfg.ChipProtocol()
	if err != nil {
		return nil, err
	}
	switch chip.Name() {
	case "mcp3004":
		return spi.NewMCP3004Driver(board, opts...), nil
	case "mcp3008":
		return spi.NewMCP3008Driver(board, opts...), nil
	case "mcp3204":
		return spi.NewMCP3204Driver(board, opts...), nil
	case "mcp3208":
		return spi.NewMCP3208Driver(board, opts...), nil
	default:
		return nil, fmt.Errorf("no board driver for %s", chip.Name())
	}
}

func probeLine(r channelReader, channels []int, threshold int) (string, error) {
	line := ""
	for i, ch := range channels {
		v, err := r.Read(ch)
		if err != nil {
			return "", fmt.Errorf("channel %d: %w", ch, err)
		}
		if i > 0 {
			line += "  "
		}
		line += fmt.Sprintf("ch%d=%s", ch, console.Level(v, threshold))
	}
	return line, nil
}
