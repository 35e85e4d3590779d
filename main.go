// Package main implements the main entry point for the Emotion Engine sub system runner
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/retroenv/retroee/internal/cli"
	"github.com/retroenv/retroee/internal/config"
	"github.com/retroenv/retroee/internal/consts"
	"github.com/retroenv/retroee/internal/loader"
	"github.com/retroenv/retroee/internal/options"
	"github.com/retroenv/retroee/internal/runner"
	"github.com/retroenv/retroee/internal/statestore"
	"github.com/retroenv/retroee/internal/subsystem"
	"github.com/retroenv/retrogolib/app"
	"github.com/retroenv/retrogolib/buildinfo"
	"github.com/retroenv/retrogolib/log"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	ctx := app.Context()

	opts, runnerOptions, err := cli.ParseFlags()
	if err != nil {
		logger := config.CreateLogger(opts.Debug, opts.Quiet)
		var usageErr *cli.UsageError
		if errors.As(err, &usageErr) {
			printBanner(opts)
			usageErr.ShowUsage()
		} else {
			logger.Fatal(err.Error())
		}
		os.Exit(1)
	}

	logger := config.CreateLogger(opts.Debug, opts.Quiet)
	printBanner(opts)

	if err := run(ctx, logger, opts, runnerOptions); err != nil {
		// Handle context cancellation (Ctrl+C) gracefully
		if errors.Is(err, context.Canceled) {
			logger.Info("Operation cancelled")
			return
		}
		logger.Error("Running program failed", log.Err(err))
		os.Exit(1)
	}
}

func printBanner(opts options.Program) {
	if opts.Quiet {
		return
	}
	fmt.Println("[------------------------------------------]")
	fmt.Println("[ retroee - Emotion Engine sub system      ]")
	fmt.Printf("[------------------------------------------]\n\n")
	fmt.Printf("version: %s\n\n", buildinfo.Version(version, commit, date))
}

func run(ctx context.Context, logger *log.Logger, opts options.Program, runnerOptions options.Runner) error {
	sys := subsystem.New(logger, subsystem.Options{Stdout: os.Stdout})
	if opts.BIOS != "" {
		data, err := os.ReadFile(opts.BIOS)
		if err != nil {
			return fmt.Errorf("reading BIOS file %s: %w", opts.BIOS, err)
		}
		if err := sys.LoadBIOS(data); err != nil {
			return fmt.Errorf("loading BIOS: %w", err)
		}
	}
	sys.Reset()

	ld := loader.New(consts.RAMSize)
	program, err := ld.Load(opts.Input, runnerOptions.Binary, runnerOptions.LoadAddress)
	if err != nil {
		return err
	}

	r := runner.New(logger, sys, runnerOptions)
	defer r.Close()
	r.LoadProgram(program)

	store, err := config.OpenStore(opts, runnerOptions)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
		r.SetStore(store)
	}

	if err := restoreState(logger, r, opts, runnerOptions); err != nil {
		return err
	}

	if runnerOptions.ScriptPath != "" {
		if err := r.LoadScript(ctx, runnerOptions.ScriptPath); err != nil {
			return err
		}
	}

	logger.Info("Running program",
		log.String("file", opts.Input),
		log.Hex("entry", sys.EE.PC),
		log.Int("frames", runnerOptions.Frames))

	if err := r.Run(ctx); err != nil {
		return err
	}
	logger.Info("Run finished", log.Int("frames", int(r.Frame())))

	return storeState(logger, r, opts, runnerOptions)
}

func restoreState(logger *log.Logger, r *runner.Runner, opts options.Program, runnerOptions options.Runner) error {
	if opts.LoadState != "" {
		if err := r.LoadStateFile(opts.LoadState); err != nil {
			return err
		}
		logger.Info("Save state restored", log.String("file", opts.LoadState))
	}

	if runnerOptions.Rewind {
		frame, err := r.Rewind()
		switch {
		case errors.Is(err, statestore.ErrNotFound):
			logger.Info("Rewind history is empty")
		case err != nil:
			return err
		default:
			logger.Info("Rewind snapshot restored", log.Int("frame", int(frame)))
		}
	}

	if runnerOptions.Slot < 0 {
		return nil
	}
	err := r.LoadSlot(runnerOptions.Slot)
	switch {
	case errors.Is(err, statestore.ErrNotFound):
		logger.Info("Snapshot slot is empty", log.Int("slot", runnerOptions.Slot))
		return nil
	case err != nil:
		return err
	}
	logger.Info("Snapshot slot restored", log.Int("slot", runnerOptions.Slot))
	return nil
}

func storeState(logger *log.Logger, r *runner.Runner, opts options.Program, runnerOptions options.Runner) error {
	if opts.SaveState != "" {
		if err := r.SaveStateFile(opts.SaveState); err != nil {
			return err
		}
		logger.Info("Save state written", log.String("file", opts.SaveState))
	}

	if runnerOptions.Slot >= 0 {
		if err := r.SaveSlot(runnerOptions.Slot); err != nil {
			return err
		}
		logger.Info("Snapshot slot saved", log.Int("slot", runnerOptions.Slot))
	}
	return nil
}
