package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/optimism/op-service/jsonutil"
	"github.com/ethereum-optimism/optimism/op-service/testlog"

	"github.com/ethereum-optimism/sysabi/kgo/kernel"
	"github.com/ethereum-optimism/sysabi/kgo/vmm"
)

func testApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "kgo",
		Writer:    out,
		ErrWriter: io.Discard,
		Commands:  []*cli.Command{RunCommand, CallsCommand, HashCommand},
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "script.json", string(echoScript))
	output := filepath.Join(dir, "out.json")

	err := testApp(io.Discard).Run([]string{"kgo", "run",
		"--input", input,
		"--output", output,
		"--memory-output", filepath.Join(dir, "mem.json"),
		"--snapshot-at", "=3",
		"--snapshot-fmt", filepath.Join(dir, "snap-%d.json"),
		"--stop-at", "never",
		"--info-at", "%2",
	})
	require.NoError(t, err)

	snap, err := jsonutil.LoadJSON[kernel.Snapshot](output)
	require.NoError(t, err)
	require.False(t, snap.Halted)
	require.Len(t, snap.Processes, 1)
	var paths []string
	for _, d := range snap.Descriptors {
		paths = append(paths, d.Path)
	}
	require.Contains(t, paths, "/tmp/log")

	mid, err := jsonutil.LoadJSON[kernel.Snapshot](filepath.Join(dir, "snap-3.json"))
	require.NoError(t, err)
	require.NotEqual(t, mid.MemoryRoot, snap.MemoryRoot, "the snapshot is taken before step 3 runs")

	t.Run("hash", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, testApp(&out).Run([]string{"kgo", "hash", "--input", output}))

		var script Script
		require.NoError(t, json.Unmarshal(echoScript, &script))
		r, _ := newRunner(t)
		for i := range script.Steps {
			_, err := r.Step(&script.Steps[i])
			require.NoError(t, err)
		}
		want, err := r.k.StateHash()
		require.NoError(t, err)
		require.Equal(t, want.Hex()+"\n", out.String(), "a replay gives the same state")
	})
	t.Run("memory", func(t *testing.T) {
		mem, err := jsonutil.LoadJSON[vmm.Memory](filepath.Join(dir, "mem.json"))
		require.NoError(t, err)
		require.Equal(t, snap.Pages, mem.PageCount())

		var out bytes.Buffer
		require.NoError(t, testApp(&out).Run([]string{"kgo", "hash", "--input", output, "--memory", filepath.Join(dir, "mem.json")}))
		require.NotEmpty(t, out.String())

		empty := writeFile(t, dir, "empty.json", "[]")
		err = testApp(io.Discard).Run([]string{"kgo", "hash", "--input", output, "--memory", empty})
		require.ErrorIs(t, err, ErrMemoryMismatch)
	})
}

func TestRunStops(t *testing.T) {
	dir := t.TempDir()
	t.Run("halt", func(t *testing.T) {
		input := writeFile(t, dir, "halt.json", `{"steps": [{"call": "exit_group", "args": [3]}, {"call": "getpid", "expect": 1}]}`)
		output := filepath.Join(dir, "halt-out.json")
		require.NoError(t, testApp(io.Discard).Run([]string{"kgo", "run", "--input", input, "--output", output, "--stop-at", "never", "--snapshot-at", "never"}))
		snap, err := jsonutil.LoadJSON[kernel.Snapshot](output)
		require.NoError(t, err)
		require.True(t, snap.Halted)
		require.Equal(t, 3, snap.ExitCode)
	})
	t.Run("stop-at", func(t *testing.T) {
		input := writeFile(t, dir, "stop.json", `{"steps": [{"call": "getpid"}, {"call": "getpid", "expect": 7}]}`)
		output := filepath.Join(dir, "stop-out.json")
		require.NoError(t, testApp(io.Discard).Run([]string{"kgo", "run", "--input", input, "--output", output, "--stop-at", "=1", "--snapshot-at", "never"}))
		_, err := os.Stat(output)
		require.NoError(t, err)
	})
	t.Run("failed step", func(t *testing.T) {
		input := writeFile(t, dir, "fail.json", `{"steps": [{"call": "getpid"}, {"call": "getpid", "expect": 7}]}`)
		err := testApp(io.Discard).Run([]string{"kgo", "run", "--input", input, "--output", "", "--stop-at", "never", "--snapshot-at", "never"})
		require.ErrorIs(t, err, ErrUnexpectedResult)
		require.ErrorContains(t, err, "failed at step 1 (getpid)")
	})
	t.Run("config", func(t *testing.T) {
		cfg := writeFile(t, dir, "cfg.yaml", "services:\n  net: false\n")
		input := writeFile(t, dir, "net.json", `{"steps": [{"call": "socket", "args": [2, 1, 0], "expect": -38}]}`)
		require.NoError(t, testApp(io.Discard).Run([]string{"kgo", "run", "--input", input, "--output", "", "--config", cfg, "--stop-at", "never", "--snapshot-at", "never"}))

		bad := writeFile(t, dir, "bad.yaml", "max_procs: 0\n")
		err := testApp(io.Discard).Run([]string{"kgo", "run", "--input", input, "--output", "", "--config", bad})
		require.ErrorContains(t, err, "max_procs")
	})
}

func TestCallsCommand(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, testApp(&out).Run([]string{"kgo", "calls", "--group", "memory"}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.True(t, strings.HasPrefix(lines[0], "CODE"))
	require.Greater(t, len(lines), 3)
	for _, line := range lines[1:] {
		require.Contains(t, line, "memory")
		require.Contains(t, line, "true")
	}

	var buf bytes.Buffer
	l := testlog.Logger(t, log.LevelInfo)
	k, err := kernel.New(kernel.DefaultConfig(), kernel.Options{Logger: l, Services: &kernel.Services{}})
	require.NoError(t, err)
	require.NoError(t, writeCalls(&buf, k.Calls(), "net"))
	require.Contains(t, buf.String(), "socket")
	require.NotContains(t, buf.String(), "true", "net calls are off without a net service")
}

func TestStepMatcher(t *testing.T) {
	for _, tc := range []struct {
		pattern string
		hits    []uint64
	}{
		{"never", nil},
		{"", nil},
		{"always", []uint64{0, 1, 2, 3, 4, 5}},
		{"=4", []uint64{4}},
		{"%2", []uint64{0, 2, 4}},
	} {
		m := MustStepMatcherFlag(tc.pattern).Matcher()
		var hits []uint64
		for step := uint64(0); step < 6; step++ {
			if m(step) {
				hits = append(hits, step)
			}
		}
		require.Equal(t, tc.hits, hits, tc.pattern)
	}
	for _, bad := range []string{"%0", "=x", "sometimes"} {
		require.Error(t, new(StepMatcherFlag).Set(bad), bad)
	}
	require.False(t, new(StepMatcherFlag).Matcher()(0))
}
