package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/adcap/cmd/adcap/console"
	"github.com/mklimuk/adcap/protocol"
)

var configCmd = cli.Command{
	Name:  "config",
	Usage: "configuration helpers",
	Subcommands: cli.Commands{
		&configShowCmd,
		&configChipsCmd,
	},
}

var configShowCmd = cli.Command{
	Name:  "show",
	Usage: "print the effective configuration",
	Flags: acquisitionFlags(),
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		out, err := cfg.Encode()
		if err != nil {
			return console.Exit(1, "encoding error: %s", console.Red(err))
		}
		_, err = c.App.Writer.Write(out)
		return err
	},
}

var configChipsCmd = cli.Command{
	Name:  "chips",
	Usage: "list converter presets",
	Action: func(c *cli.Context) error {
		w := tabwriter.NewWriter(c.App.Writer, 8, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "CHIP\tINPUTS\tBITS\tBYTES\tMAX CLOCK\n")
		for _, name := range protocol.Names() {
			chip, err := protocol.Lookup(name)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", chip.Name(), chip.Inputs(), chip.Bits(), chip.ExchangeLen(), chip.MaxClock())
		}
		return w.Flush()
	},
}
