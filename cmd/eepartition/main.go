// Package main implements an offline basic block partition report for raw
// Emotion Engine binaries.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/retroenv/retroee/internal/config"
	"github.com/retroenv/retroee/internal/consts"
	"github.com/retroenv/retroee/internal/loader"
	"github.com/retroenv/retroee/internal/options"
	"github.com/retroenv/retroee/internal/subsystem"
	"github.com/retroenv/retrogolib/buildinfo"
	"github.com/retroenv/retrogolib/log"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

type optionFlags struct {
	input   string
	address string
	entries string
	cycles  int

	debug bool
	quiet bool
}

func main() {
	opts := readArguments()
	logger := config.CreateLogger(opts.debug, opts.quiet)

	if !opts.quiet {
		printBanner()
	}

	if err := report(os.Stdout, logger, opts); err != nil {
		logger.Error("Partitioning failed", log.Err(err))
		os.Exit(1)
	}
}

func readArguments() optionFlags {
	flags := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	opts := optionFlags{}

	flags.StringVar(&opts.address, "addr", "0x00100000", "load address of the raw binary")
	flags.StringVar(&opts.entries, "entry", "", "comma separated function entry addresses, defaults to the load address")
	flags.IntVar(&opts.cycles, "cycles", 0, "run the program for the given cycles before reporting to count block self loops")
	flags.BoolVar(&opts.debug, "debug", false, "enable debugging options for extended logging")
	flags.BoolVar(&opts.quiet, "q", false, "perform operations quietly")

	err := flags.Parse(os.Args[1:])
	args := flags.Args()

	if err != nil || len(args) == 0 {
		printBanner()
		fmt.Printf("usage: eepartition [options] <raw binary>\n\n")
		flags.PrintDefaults()
		os.Exit(1)
	}
	opts.input = args[0]

	return opts
}

func printBanner() {
	fmt.Println("[--------------------------------------------]")
	fmt.Println("[ eepartition - EE basic block partitioner   ]")
	fmt.Printf("[--------------------------------------------]\n\n")
	fmt.Printf("version: %s\n\n", buildinfo.Version(version, commit, date))
}

func parseAddresses(s string) ([]uint32, error) {
	var addresses []uint32
	for field := range strings.SplitSeq(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		address, err := strconv.ParseUint(field, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing address '%s': %w", field, err)
		}
		addresses = append(addresses, uint32(address))
	}
	return addresses, nil
}

func report(w io.Writer, logger *log.Logger, opts optionFlags) error {
	addresses, err := parseAddresses(opts.address)
	if err != nil {
		return err
	}
	if len(addresses) != 1 {
		return errors.New("exactly one load address expected")
	}
	address := addresses[0]

	entries, err := parseAddresses(opts.entries)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		entries = []uint32{address}
	}

	ld := loader.New(consts.RAMSize)
	program, err := ld.Load(opts.input, true, address)
	if err != nil {
		return err
	}

	sys := subsystem.New(logger, subsystem.Options{})
	sys.Reset()
	program.Copy(sys.RAM)
	sys.EE.PC = program.Entry

	for _, entry := range entries {
		result := sys.Executor.Partitioner().PartitionFunction(sys.EE.Translate(entry))
		if !result.Terminated {
			logger.Warn("Function has no return", log.Hex("entry", entry))
		}
	}

	if opts.cycles > 0 {
		if err := execute(sys, opts.cycles); err != nil {
			return err
		}
	}

	return writeReport(w, sys)
}

// execute runs the program in slices of the default quantum.
func execute(sys *subsystem.SubSystem, cycles int) error {
	for cycles > 0 && !sys.HasExited() {
		quantum := min(cycles, options.DefaultQuantum)
		executed, err := sys.ExecuteCPU(quantum)
		if err != nil {
			return err
		}
		if executed <= 0 || sys.IsCPUIdle() {
			executed = quantum
		}
		sys.ExecuteVPU(executed)
		sys.CountTicks(executed)
		cycles -= executed
	}
	return nil
}

func writeReport(w io.Writer, sys *subsystem.SubSystem) error {
	registry := sys.Executor.Registry()
	if err := registry.Validate(); err != nil {
		return fmt.Errorf("validating blocks: %w", err)
	}

	blocks := registry.Blocks()
	if _, err := fmt.Fprintf(w, "%-23s %8s %10s\n", "block", "size", "self loops"); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	for _, b := range blocks {
		size := b.End() - b.Begin() + 4
		if _, err := fmt.Fprintf(w, "%-23s %8d %10d\n", b, size, b.SelfLoopCount()); err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w, "\n%d blocks\n", len(blocks)); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
