package cli

import (
	"errors"
	"os"
	"testing"

	"github.com/retroenv/retroee/internal/options"
	"github.com/retroenv/retrogolib/assert"
)

func TestParseFlags_RunnerOptions(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want options.Runner
	}{
		{
			name: "default flags",
			args: []string{"prog", "test.elf"},
			want: options.Runner{LoadAddress: options.DefaultLoadAddress, Slot: -1},
		},
		{
			name: "raw binary at address",
			args: []string{"prog", "-binary", "-addr", "0x00200000", "test.bin"},
			want: options.Runner{Binary: true, LoadAddress: 0x00200000, Slot: -1},
		},
		{
			name: "frames and script",
			args: []string{"prog", "-frames", "120", "-script", "debug.lua", "test.elf"},
			want: options.Runner{LoadAddress: options.DefaultLoadAddress, Frames: 120, Slot: -1, ScriptPath: "debug.lua"},
		},
		{
			name: "slot and history",
			args: []string{"prog", "-statedir", "state", "-slot", "2", "-history", "30", "test.elf"},
			want: options.Runner{LoadAddress: options.DefaultLoadAddress, Slot: 2, HistoryEvery: 30},
		},
		{
			name: "rewind",
			args: []string{"prog", "-statedir", "state", "-rewind", "test.elf"},
			want: options.Runner{LoadAddress: options.DefaultLoadAddress, Slot: -1, Rewind: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldArgs := os.Args
			t.Cleanup(func() { os.Args = oldArgs })

			os.Args = tt.args

			opts, got, err := ParseFlags()
			assert.NoError(t, err)
			assert.Equal(t, tt.args[len(tt.args)-1], opts.Input)
			assert.Equal(t, tt.want.Binary, got.Binary)
			assert.Equal(t, tt.want.LoadAddress, got.LoadAddress)
			assert.Equal(t, tt.want.Frames, got.Frames)
			assert.Equal(t, tt.want.Slot, got.Slot)
			assert.Equal(t, tt.want.HistoryEvery, got.HistoryEvery)
			assert.Equal(t, tt.want.Rewind, got.Rewind)
			assert.Equal(t, tt.want.ScriptPath, got.ScriptPath)
			assert.Equal(t, options.DefaultQuantum, got.Quantum)
			assert.Equal(t, options.DefaultFrameTicks, got.FrameTicks)
		})
	}
}

func TestParseFlags_Usage(t *testing.T) {
	oldArgs := os.Args
	t.Cleanup(func() { os.Args = oldArgs })

	os.Args = []string{"prog", "-q"}
	opts, _, err := ParseFlags()

	var usageErr *UsageError
	assert.True(t, errors.As(err, &usageErr))
	assert.True(t, opts.Quiet)
}

func TestParseFlags_InputFlag(t *testing.T) {
	oldArgs := os.Args
	t.Cleanup(func() { os.Args = oldArgs })

	os.Args = []string{"prog", "-i", "game.elf", "-bios", "bios.bin"}
	opts, _, err := ParseFlags()
	assert.NoError(t, err)
	assert.Equal(t, "game.elf", opts.Input)
	assert.Equal(t, "bios.bin", opts.BIOS)
}

func TestCreateRunnerOptions(t *testing.T) {
	tests := []struct {
		name        string
		opts        options.Program
		expectError string
	}{
		{
			name: "defaults",
			opts: options.Program{Flags: options.Flags{LoadAddress: "0x00100000", Slot: -1}},
		},
		{
			name:        "invalid address",
			opts:        options.Program{Flags: options.Flags{LoadAddress: "main", Slot: -1}},
			expectError: "invalid load address",
		},
		{
			name:        "unaligned address",
			opts:        options.Program{Flags: options.Flags{LoadAddress: "0x00100002", Slot: -1}},
			expectError: "not word aligned",
		},
		{
			name:        "negative frames",
			opts:        options.Program{Flags: options.Flags{LoadAddress: "0x00100000", Slot: -1, Frames: -1}},
			expectError: "invalid frame count",
		},
		{
			name:        "history without store",
			opts:        options.Program{Flags: options.Flags{LoadAddress: "0x00100000", Slot: -1, History: 10}},
			expectError: "requires a state directory",
		},
		{
			name:        "slot without store",
			opts:        options.Program{Flags: options.Flags{LoadAddress: "0x00100000", Slot: 0}},
			expectError: "requires a state directory",
		},
		{
			name:        "rewind without store",
			opts:        options.Program{Flags: options.Flags{LoadAddress: "0x00100000", Slot: -1, Rewind: true}},
			expectError: "rewind requires a state directory",
		},
		{
			name: "slot with store",
			opts: options.Program{
				Parameters: options.Parameters{StateDir: "state"},
				Flags:      options.Flags{LoadAddress: "0x00100000", Slot: 0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := createRunnerOptions(tt.opts)
			if tt.expectError != "" {
				assert.ErrorContains(t, err, tt.expectError)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateArgs(t *testing.T) {
	assert.NoError(t, validateArgs([]string{"test.elf"}))

	var usageErr *UsageError
	err := validateArgs([]string{"test.elf", "-frames"})
	assert.True(t, errors.As(err, &usageErr))
}
