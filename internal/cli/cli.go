// Package cli handles command line interface logic
package cli

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/retroenv/retroee/internal/options"
)

// ParseFlags parses command line flags and returns program and runner options
func ParseFlags() (options.Program, options.Runner, error) {
	flags := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	var opts options.Program
	readOptionFlags(flags, &opts)

	err := flags.Parse(os.Args[1:])
	args := flags.Args()
	if err != nil || (len(args) == 0 && opts.Input == "") {
		return opts, options.Runner{}, &UsageError{flags: flags}
	}

	if err := validateArgs(args); err != nil {
		return opts, options.Runner{}, err
	}

	if opts.Input == "" {
		opts.Input = args[0]
	}

	runnerOptions, err := createRunnerOptions(opts)
	if err != nil {
		return opts, options.Runner{}, err
	}
	return opts, runnerOptions, nil
}

// UsageError represents an error that should show usage information
type UsageError struct {
	flags *flag.FlagSet
	msg   string
}

func (e *UsageError) Error() string {
	return e.msg
}

func (e *UsageError) ShowUsage() {
	fmt.Printf("usage: retroee [options] <program to run>\n\n")
	e.flags.PrintDefaults()
	fmt.Println()
}

// validateArgs checks if arguments are in correct order
func validateArgs(args []string) error {
	for i, arg := range args {
		if i > 0 && arg[0] == '-' {
			return &UsageError{
				msg: fmt.Sprintf("Potential argument %s found after program file, please pass the program to run as last argument", arg),
			}
		}
	}
	return nil
}

// createRunnerOptions validates the option values and converts them to
// runner options.
func createRunnerOptions(opts options.Program) (options.Runner, error) {
	runnerOptions := options.NewRunner()

	address, err := strconv.ParseUint(opts.LoadAddress, 0, 32)
	if err != nil {
		return runnerOptions, fmt.Errorf("invalid load address '%s': %w", opts.LoadAddress, err)
	}
	if address&3 != 0 {
		return runnerOptions, fmt.Errorf("load address 0x%08X is not word aligned", address)
	}

	switch {
	case opts.Frames < 0:
		return runnerOptions, fmt.Errorf("invalid frame count %d", opts.Frames)
	case opts.History < 0:
		return runnerOptions, fmt.Errorf("invalid history interval %d", opts.History)
	case opts.History > 0 && opts.StateDir == "":
		return runnerOptions, fmt.Errorf("rewind history requires a state directory")
	case opts.Slot >= 0 && opts.StateDir == "":
		return runnerOptions, fmt.Errorf("snapshot slot requires a state directory")
	case opts.Rewind && opts.StateDir == "":
		return runnerOptions, fmt.Errorf("rewind requires a state directory")
	}

	runnerOptions.Binary = opts.Binary
	runnerOptions.LoadAddress = uint32(address)
	runnerOptions.Frames = opts.Frames
	runnerOptions.Slot = opts.Slot
	runnerOptions.HistoryEvery = opts.History
	runnerOptions.Rewind = opts.Rewind
	runnerOptions.ScriptPath = opts.Script
	return runnerOptions, nil
}

func readOptionFlags(flags *flag.FlagSet, opts *options.Program) {
	flags.StringVar(&opts.Input, "i", "", "name of the input ELF or raw binary program")
	flags.StringVar(&opts.BIOS, "bios", "", "BIOS image to map at 0x1FC00000")
	flags.StringVar(&opts.Script, "script", "", "Lua debug script to run before the first frame")
	flags.StringVar(&opts.StateDir, "statedir", "", "directory of the snapshot store for slots and rewind history")
	flags.StringVar(&opts.LoadState, "load", "", "save state file to restore before running")
	flags.StringVar(&opts.SaveState, "save", "", "save state file to write when the run ends")
	flags.BoolVar(&opts.Binary, "binary", false, "read input file as raw binary file instead of ELF")
	flags.StringVar(&opts.LoadAddress, "addr", "0x00100000", "load and entry address of a raw binary")
	flags.IntVar(&opts.Frames, "frames", 0, "number of frames to run, 0 runs until the program exits")
	flags.IntVar(&opts.Slot, "slot", -1, "snapshot slot to restore from and save to")
	flags.IntVar(&opts.History, "history", 0, "frames between rewind snapshots, 0 disables them")
	flags.BoolVar(&opts.Rewind, "rewind", false, "restore the newest rewind snapshot of the state directory before running")
	flags.BoolVar(&opts.Debug, "debug", false, "enable debugging options for extended logging")
	flags.BoolVar(&opts.Quiet, "q", false, "perform operations quietly")
}
