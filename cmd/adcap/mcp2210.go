package main

import (
	"context"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/adcap/adapter"
	"github.com/mklimuk/adcap/cmd/adcap/console"
)

var mcp2210Cmd = cli.Command{
	Name: "mcp2210",
	Subcommands: cli.Commands{
		&mcp2210StatusCmd,
	},
}

var mcp2210StatusCmd = cli.Command{
	Name:  "status",
	Usage: "print bridge status and SPI settings",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		a, err := adapter.OpenMCP2210(cfg.MCP2210.Index, cfg.MCP2210.ChipSelect, min(cfg.Clock(), adapter.MaxClock))
		if err != nil {
			return console.Exit(1, "adapter error: %s", console.Red(err))
		}
		defer func() { _ = a.Close() }()
		ctx := console.SetVerbose(context.Background(), c.Bool("verbose"))
		status, err := a.Status(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		settings, err := a.Settings(ctx)
		if err != nil {
			return console.Exit(1, "adapter communication error: %s", console.Red(err))
		}
		enc := yaml.NewEncoder(c.App.Writer)
		err = enc.Encode(map[string]any{"status": status, "spi": settings})
		if err != nil {
			return console.Exit(1, "encoding error: %s", console.Red(err))
		}
		return enc.Close()
	},
}
