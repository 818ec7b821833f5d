package cmd

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"

	"github.com/ethereum-optimism/sysabi/kgo/kernel"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

var ErrMemoryMismatch = errors.New("memory does not match snapshot")

var HashInputFlag = &cli.PathFlag{
	Name:      "input",
	Usage:     "path of a JSON kernel snapshot",
	TakesFile: true,
	Required:  true,
}

var HashMemoryFlag = &cli.PathFlag{
	Name:      "memory",
	Usage:     "path of a JSON page list written by run, checked against the snapshot memory root",
	TakesFile: true,
}

// Hash prints the state hash of a snapshot written by run.
func Hash(ctx *cli.Context) error {
	input := ctx.Path(HashInputFlag.Name)
	snap, err := jsonutil.LoadJSON[kernel.Snapshot](input)
	if err != nil {
		return fmt.Errorf("invalid input snapshot (%v): %w", input, err)
	}
	if path := ctx.Path(HashMemoryFlag.Name); path != "" {
		mem, err := jsonutil.LoadJSON[vmm.Memory](path)
		if err != nil {
			return fmt.Errorf("invalid memory pages (%v): %w", path, err)
		}
		if root := mem.Hash(); root != snap.MemoryRoot {
			return fmt.Errorf("%w: pages hash to %s, snapshot has %s", ErrMemoryMismatch, root, snap.MemoryRoot)
		}
	}
	hash, err := snap.Hash()
	if err != nil {
		return fmt.Errorf("failed to compute state hash: %w", err)
	}
	fmt.Fprintln(ctx.App.Writer, hash.Hex())
	return nil
}

var HashCommand = &cli.Command{
	Name:        "hash",
	Usage:       "Compute the state hash of a kernel snapshot",
	Description: "Compute the state hash of a JSON kernel snapshot. The hash is written to stdout",
	Action:      Hash,
	Flags: []cli.Flag{
		HashInputFlag,
		HashMemoryFlag,
	},
}
