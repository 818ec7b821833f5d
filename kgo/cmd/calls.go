package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/sysabi/kgo/kernel"
)

var (
	CallsConfigFlag = &cli.PathFlag{
		Name:      "config",
		Usage:     "path of a YAML kernel config, to report which call groups it enables",
		TakesFile: true,
	}
	CallsGroupFlag = &cli.StringFlag{
		Name:  "group",
		Usage: "only list calls of this group",
	}
)

func writeCalls(w io.Writer, calls []kernel.CallInfo, group string) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "CODE\tNAME\tGROUP\tENABLED")
	for _, c := range calls {
		if group != "" && c.Group != group {
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%t\n", c.Code, c.Name, c.Group, c.Enabled)
	}
	return tw.Flush()
}

func Calls(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx.Path(CallsConfigFlag.Name))
	if err != nil {
		return err
	}
	k, err := kernel.New(cfg, kernel.Options{Logger: Logger(ctx.App.ErrWriter, log.LevelWarn)})
	if err != nil {
		return fmt.Errorf("failed to create kernel: %w", err)
	}
	return writeCalls(ctx.App.Writer, k.Calls(), ctx.String(CallsGroupFlag.Name))
}

var CallsCommand = &cli.Command{
	Name:        "calls",
	Usage:       "List the call table",
	Description: "List every assigned call code and whether the config enables its group.",
	Action:      Calls,
	Flags: []cli.Flag{
		CallsConfigFlag,
		CallsGroupFlag,
	},
}
