package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/adcap"
	"github.com/mklimuk/adcap/capture"
	"github.com/mklimuk/adcap/cmd/adcap/console"
	"github.com/mklimuk/adcap/protocol"
	"github.com/mklimuk/adcap/store"
)

var captureCmd = cli.Command{
	Name:  "capture",
	Usage: "sample the converter and save triggered windows as CSV",
	Flags: append(acquisitionFlags(),
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "create the output directory without asking"},
	),
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		if err := ensureDir(cfg.Output.Dir, c.Bool("yes")); err != nil {
			return console.Exit(1, "output error: %s", console.Red(err))
		}
		chip, err := cfg.ChipProtocol()
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		plan, err := protocol.Build(chip, cfg.Channels, cfg.Blocks, cfg.Clock())
		if err != nil {
			return console.Exit(1, "transfer plan error: %s", console.Red(err))
		}

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = console.SetVerbose(ctx, c.Bool("verbose"))

		bus, err := openBus(ctx, cfg, chip)
		if err != nil {
			return console.Exit(1, "could not open %s bus: %s", cfg.Adapter, console.Red(err))
		}
		defer func() {
			if err := bus.Close(); err != nil {
				slog.Warn("could not close bus", "error", err)
			}
		}()
		if v, ok := bus.(adcap.Validator); ok {
			if err := v.Validate(plan.Bytes()); err != nil {
				return console.Exit(1, "bus cannot run the transfer plan: %s", console.Red(err))
			}
		}

		sink := store.NewWriter(cfg.Output.Dir, cfg.Output.Layout)
		sampler, err := capture.NewSampler(cfg, protocol.NewTransceiver(bus, plan), sink)
		if err != nil {
			return console.Exit(1, "sampler error: %s", console.Red(err))
		}
		console.PInfof(console.PictoCapture, "%s on %s, channels %v, %s mode, threshold %d",
			chip.Name(), cfg.Adapter, cfg.Channels, cfg.Mode, cfg.Threshold)
		stats, err := sampler.Run(ctx)
		if err != nil {
			return console.Exit(1, "capture aborted after %d frames: %s", stats.Frames, console.Red(err))
		}
		console.PInfof(console.PictoFinish, "%d frames in %s (%.1f frames/s), %d captures saved, %d failed",
			stats.Frames, stats.Elapsed.Round(time.Millisecond), stats.SampleRate(), stats.Captures, stats.PersistFailures)
		return nil
	},
}
