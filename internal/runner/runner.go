// Package runner drives the sub system frame by frame and manages program
// loading, save states and debug scripts around the frame loop.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/retroenv/retroee/internal/loader"
	"github.com/retroenv/retroee/internal/options"
	"github.com/retroenv/retroee/internal/savestate"
	"github.com/retroenv/retroee/internal/script"
	"github.com/retroenv/retroee/internal/statestore"
	"github.com/retroenv/retroee/internal/subsystem"
	"github.com/retroenv/retrogolib/log"
	"golang.org/x/sync/errgroup"
)

// ErrNoStore is returned for slot operations without a snapshot store.
var ErrNoStore = errors.New("no snapshot store configured")

// snapshotQueue is the number of encoded rewind snapshots that can wait for
// the store writer before the frame loop blocks.
const snapshotQueue = 4

type snapshot struct {
	frame uint64
	data  []byte
}

// Runner runs a program on a sub system.
type Runner struct {
	logger *log.Logger
	opts   options.Runner
	sys    *subsystem.SubSystem

	store  *statestore.Store
	script *script.Script

	frame     uint64
	lastBreak uint32
	atBreak   bool
}

// New returns a runner for the sub system. The sub system has to be reset
// before a program is loaded.
func New(logger *log.Logger, sys *subsystem.SubSystem, opts options.Runner) *Runner {
	return &Runner{
		logger: logger,
		opts:   opts,
		sys:    sys,
	}
}

// SetStore sets the snapshot store used for slots and rewind history.
func (r *Runner) SetStore(store *statestore.Store) {
	r.store = store
}

// Frame returns the number of completed frames.
func (r *Runner) Frame() uint64 {
	return r.frame
}

// LoadProgram copies the program into main memory and starts it at its
// entry point.
func (r *Runner) LoadProgram(program *loader.Program) {
	program.Copy(r.sys.RAM)
	r.sys.EE.PC = program.Entry
	r.sys.FlushInstructionCache()

	r.logger.Info("Program loaded",
		log.Hex("entry", program.Entry),
		log.Int("segments", len(program.Segments)))
}

// LoadScript runs a Lua debug script. The script can register hooks that
// are called by the frame loop.
func (r *Runner) LoadScript(ctx context.Context, path string) error {
	if r.script == nil {
		r.script = script.New(r.logger, script.Dependencies{
			EE:     r.sys.EE,
			Blocks: r.sys.Executor.Registry(),
			Step:   r.step,
			Frame:  r.RunFrame,
			States: r,
		})
	}
	return r.script.RunFile(ctx, path)
}

// Close releases the script state.
func (r *Runner) Close() {
	if r.script != nil {
		r.script.Close()
		r.script = nil
	}
}

// Run executes frames until the configured number of frames was run, the
// program exited or the context is cancelled. Rewind snapshots are written
// to the store in the background.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	snapshots := make(chan snapshot, snapshotQueue)

	g.Go(func() error {
		return r.writeSnapshots(snapshots)
	})
	g.Go(func() error {
		defer close(snapshots)
		return r.loop(ctx, snapshots)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("running frames: %w", err)
	}
	return nil
}

func (r *Runner) loop(ctx context.Context, snapshots chan<- snapshot) error {
	for r.opts.Frames == 0 || r.frame < uint64(r.opts.Frames) {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.RunFrame(); err != nil {
			return err
		}
		if r.script != nil {
			if err := r.script.NotifyFrame(r.frame); err != nil {
				return err
			}
		}

		if r.sys.HasExited() {
			r.logger.Info("Program exited", log.Int("frames", int(r.frame)))
			return nil
		}

		if r.store == nil || r.opts.HistoryEvery <= 0 || r.frame%uint64(r.opts.HistoryEvery) != 0 {
			continue
		}
		data, err := r.EncodeState()
		if err != nil {
			return err
		}
		select {
		case snapshots <- snapshot{frame: r.frame, data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *Runner) writeSnapshots(snapshots <-chan snapshot) error {
	for s := range snapshots {
		if err := r.store.AppendHistory(s.frame, s.data); err != nil {
			// drain so that the frame loop does not block on a full queue
			for range snapshots {
			}
			return err
		}
	}
	return nil
}

// RunFrame runs the active part of a video frame followed by the vertical
// blank.
func (r *Runner) RunFrame() error {
	if err := r.runTicks(r.opts.FrameTicks - r.opts.VBlankTicks); err != nil {
		return err
	}
	r.sys.NotifyVBlankStart()

	if err := r.runTicks(r.opts.VBlankTicks); err != nil {
		return err
	}
	r.sys.NotifyVBlankEnd()

	r.frame++
	return nil
}

func (r *Runner) runTicks(ticks int) error {
	for ticks > 0 && !r.sys.HasExited() {
		executed, err := r.step(min(ticks, r.opts.Quantum))
		if err != nil {
			return err
		}
		ticks -= executed

		if err := r.checkBreakpoint(); err != nil {
			return err
		}
	}
	return nil
}

// step runs one slice of the main processor and advances the vector units
// and devices by the executed cycles. A waiting processor consumes the whole
// slice.
func (r *Runner) step(cycles int) (int, error) {
	executed, err := r.sys.ExecuteCPU(cycles)
	if err != nil {
		return executed, err
	}
	if executed <= 0 || r.sys.IsCPUIdle() {
		executed = cycles
	}

	r.sys.ExecuteVPU(executed)
	r.sys.CountTicks(executed)
	return executed, nil
}

// checkBreakpoint calls the breakpoint hook of the script once each time the
// processor arrives at a breakpoint.
func (r *Runner) checkBreakpoint() error {
	if r.script == nil || len(r.sys.EE.Breakpoints) == 0 {
		return nil
	}

	address := r.sys.EE.Translate(r.sys.EE.PC)
	if !r.sys.EE.Breakpoints.Contains(address) {
		r.atBreak = false
		return nil
	}
	if r.atBreak && r.lastBreak == address {
		return nil
	}

	r.atBreak = true
	r.lastBreak = address
	return r.script.NotifyBreak(address)
}

// EncodeState returns the save state of the sub system.
func (r *Runner) EncodeState() ([]byte, error) {
	var buf bytes.Buffer
	w := savestate.NewWriter(&buf)
	if err := r.sys.SaveState(w); err != nil {
		return nil, fmt.Errorf("saving state: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeState restores a save state returned by EncodeState.
func (r *Runner) DecodeState(data []byte) error {
	sr, err := savestate.NewBytesReader(data)
	if err != nil {
		return fmt.Errorf("opening save state: %w", err)
	}
	if err := r.sys.LoadState(sr); err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	return nil
}

// SaveStateFile writes the save state to a file.
func (r *Runner) SaveStateFile(path string) error {
	data, err := r.EncodeState()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing save state file %s: %w", path, err)
	}
	return nil
}

// LoadStateFile restores the save state from a file.
func (r *Runner) LoadStateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading save state file %s: %w", path, err)
	}
	return r.DecodeState(data)
}

// SaveSlot stores the save state in a snapshot slot.
func (r *Runner) SaveSlot(slot int) error {
	if r.store == nil {
		return ErrNoStore
	}
	data, err := r.EncodeState()
	if err != nil {
		return err
	}
	return r.store.Put(slot, data)
}

// LoadSlot restores the save state of a snapshot slot.
func (r *Runner) LoadSlot(slot int) error {
	if r.store == nil {
		return ErrNoStore
	}
	data, err := r.store.Get(slot)
	if err != nil {
		return err
	}
	return r.DecodeState(data)
}

// DeleteSlot empties a snapshot slot.
func (r *Runner) DeleteSlot(slot int) error {
	if r.store == nil {
		return ErrNoStore
	}
	return r.store.Delete(slot)
}

// Slots returns the used snapshot slots in ascending order.
func (r *Runner) Slots() ([]int, error) {
	if r.store == nil {
		return nil, ErrNoStore
	}
	return r.store.Slots()
}

// HistoryLen returns the number of stored rewind snapshots.
func (r *Runner) HistoryLen() (int, error) {
	if r.store == nil {
		return 0, ErrNoStore
	}
	return r.store.HistoryLen()
}

// Rewind restores the newest rewind snapshot and returns its frame.
func (r *Runner) Rewind() (uint64, error) {
	if r.store == nil {
		return 0, ErrNoStore
	}
	frame, data, err := r.store.LatestHistory()
	if err != nil {
		return 0, fmt.Errorf("loading rewind snapshot: %w", err)
	}
	if err := r.DecodeState(data); err != nil {
		return 0, err
	}
	r.frame = frame
	return frame, nil
}
