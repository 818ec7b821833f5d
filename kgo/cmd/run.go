package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/profile"
	"github.com/urfave/cli/v2"

	cannon "github.com/ethereum-optimism/optimism/cannon/cmd"
	"github.com/ethereum-optimism/optimism/op-service/jsonutil"

	"github.com/ethereum-optimism/sysabi/kgo/kernel"
)

var OutFilePerm = os.FileMode(0o755)

var (
	RunInputFlag = &cli.PathFlag{
		Name:      "input",
		Usage:     "path of the input JSON call script",
		TakesFile: true,
		Value:     "./script.json",
		Required:  true,
	}
	RunOutputFlag = &cli.PathFlag{
		Name:      "output",
		Usage:     "path of the output JSON kernel snapshot. Not written if empty, use - to write to Stdout.",
		TakesFile: true,
		Value:     "out.json",
	}
	RunMemoryOutputFlag = &cli.PathFlag{
		Name:      "memory-output",
		Usage:     "path of the output JSON page list of user memory. Not written if empty.",
		TakesFile: true,
	}
	RunConfigFlag = &cli.PathFlag{
		Name:      "config",
		Usage:     "path of a YAML kernel config. Missing keys keep their defaults.",
		TakesFile: true,
	}
	RunSnapshotAtFlag = &cli.GenericFlag{
		Name:  "snapshot-at",
		Usage: "step pattern to output a snapshot at: never, always, =123 at exactly step 123, %123 for every 123 steps",
		Value: MustStepMatcherFlag(""),
	}
	RunSnapshotFmtFlag = &cli.StringFlag{
		Name:  "snapshot-fmt",
		Usage: "format for snapshot output file names.",
		Value: "%d.json",
	}
	RunStopAtFlag = &cli.GenericFlag{
		Name:  "stop-at",
		Usage: "step pattern to stop at: never (default), always, =123 at exactly step 123, %123 for every 123 steps",
		Value: MustStepMatcherFlag(""),
	}
	RunInfoAtFlag = &cli.GenericFlag{
		Name:  "info-at",
		Usage: "step pattern to print info at: never, always, =123 at exactly step 123, %123 for every 123 steps",
		Value: MustStepMatcherFlag("%1000"),
	}
	RunDebugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "log every call and its result",
	}
)

func loadConfig(path string) (kernel.Config, error) {
	if path == "" {
		return kernel.DefaultConfig(), nil
	}
	return kernel.LoadConfig(path)
}

func Run(ctx *cli.Context) error {
	if ctx.Bool(cannon.RunPProfCPU.Name) {
		defer profile.Start(profile.NoShutdownHook, profile.ProfilePath("."), profile.CPUProfile).Stop()
	}

	script, err := jsonutil.LoadJSON[Script](ctx.Path(RunInputFlag.Name))
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx.Path(RunConfigFlag.Name))
	if err != nil {
		return err
	}

	lvl := log.LevelInfo
	if ctx.Bool(RunDebugFlag.Name) {
		lvl = log.LevelDebug
	}
	l := Logger(os.Stderr, lvl)
	outLog := &ConsoleWriter{Fd: 1, Log: l}
	errLog := &ConsoleWriter{Fd: 2, Log: l}
	defer outLog.Flush()
	defer errLog.Flush()

	k, err := kernel.New(cfg, kernel.Options{Logger: l, Stdin: os.Stdin, Stdout: outLog, Stderr: errLog})
	if err != nil {
		return fmt.Errorf("failed to create kernel: %w", err)
	}
	r := NewRunner(k, l)

	stopAt := ctx.Generic(RunStopAtFlag.Name).(*StepMatcherFlag).Matcher()
	snapshotAt := ctx.Generic(RunSnapshotAtFlag.Name).(*StepMatcherFlag).Matcher()
	infoAt := ctx.Generic(RunInfoAtFlag.Name).(*StepMatcherFlag).Matcher()
	snapshotFmt := ctx.String(RunSnapshotFmtFlag.Name)

	start := time.Now()
	for i := range script.Steps {
		if err := ctx.Context.Err(); err != nil {
			return err
		}
		step := uint64(i)
		if k.Halted() {
			l.Info("kernel halted", "step", step, "exitCode", k.ExitCode())
			break
		}

		if infoAt(step) {
			delta := time.Since(start)
			mem := k.Memory().Memory()
			l.Info("processing",
				"step", step,
				"cps", float64(r.Steps())/(float64(delta)/float64(time.Second)),
				"procs", k.Procs().Count(),
				"mapped", k.Memory().Mapped(),
				"brk", HexU64(k.Memory().Break()),
				"pages", mem.PageCount(),
				"mem", mem.Usage(),
			)
		}

		if stopAt(step) {
			break
		}

		if snapshotAt(step) {
			if err := jsonutil.WriteJSON(fmt.Sprintf(snapshotFmt, step), k.Snapshot(), OutFilePerm); err != nil {
				return fmt.Errorf("failed to write kernel snapshot: %w", err)
			}
		}

		st := &script.Steps[i]
		if _, err := r.Step(st); err != nil {
			return fmt.Errorf("failed at step %d (%s): %w", step, st.Call, err)
		}
	}

	snap := k.Snapshot()
	hash, err := snap.Hash()
	if err != nil {
		return err
	}
	l.Info("replay done", "steps", r.Steps(), "halted", snap.Halted, "exitCode", snap.ExitCode, "hash", hash)
	if err := jsonutil.WriteJSON(ctx.Path(RunOutputFlag.Name), snap, OutFilePerm); err != nil {
		return fmt.Errorf("failed to write kernel snapshot: %w", err)
	}
	if path := ctx.Path(RunMemoryOutputFlag.Name); path != "" {
		if err := jsonutil.WriteJSON(path, k.Memory().Memory(), OutFilePerm); err != nil {
			return fmt.Errorf("failed to write memory pages: %w", err)
		}
	}
	return nil
}

var RunCommand = &cli.Command{
	Name:        "run",
	Usage:       "Replay a call script against a fresh kernel",
	Description: "Replay a JSON call script against a fresh kernel and write the resulting snapshot. See flags to match when to output a snapshot or to stop early.",
	Action:      Run,
	Flags: []cli.Flag{
		RunInputFlag,
		RunOutputFlag,
		RunMemoryOutputFlag,
		RunConfigFlag,
		RunSnapshotAtFlag,
		RunSnapshotFmtFlag,
		RunStopAtFlag,
		RunInfoAtFlag,
		RunDebugFlag,
		cannon.RunPProfCPU,
	},
}
