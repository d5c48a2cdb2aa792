package main

import (
	"encoding/hex"
	"fmt"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/adcap/cmd/adcap/console"
	"github.com/mklimuk/adcap/protocol"
)

var planCmd = cli.Command{
	Name:  "plan",
	Usage: "show the batched exchange built for the configuration",
	Flags: append(acquisitionFlags(),
		&cli.BoolFlag{Name: "dump", Usage: "dump the descriptors instead of a table"},
	),
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		chip, err := cfg.ChipProtocol()
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		plan, err := protocol.Build(chip, cfg.Channels, cfg.Blocks, cfg.Clock())
		if err != nil {
			return console.Exit(1, "transfer plan error: %s", console.Red(err))
		}
		out := c.App.Writer
		if c.Bool("dump") {
			dumper := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, DisableCapacities: true}
			dumper.Fdump(out, plan.Descriptors())
			return nil
		}
		_, _ = fmt.Fprintf(out, "%s, %d exchanges, %d bytes at %s\n", chip.Name(), plan.Len(), plan.Bytes(), cfg.Clock())
		w := tabwriter.NewWriter(out, 8, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "BLOCK\tOFFSET\tCHANNEL\tTX\tCS\n")
		for _, d := range plan.Descriptors() {
			cs := "release"
			if d.CSHold {
				cs = "hold"
			}
			_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n", d.Block, d.Offset, d.Channel, hex.EncodeToString(d.Tx), cs)
		}
		return w.Flush()
	},
}
