package runner

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/retroenv/retroee/internal/arch/mips"
	"github.com/retroenv/retroee/internal/cpu"
	"github.com/retroenv/retroee/internal/kernel"
	"github.com/retroenv/retroee/internal/loader"
	"github.com/retroenv/retroee/internal/options"
	"github.com/retroenv/retroee/internal/statestore"
	"github.com/retroenv/retroee/internal/subsystem"
	"github.com/retroenv/retrogolib/assert"
	"github.com/retroenv/retrogolib/log"
)

const (
	programAddress = 0x00100000
	regT0          = 8
	regT1          = 9
)

func iType(opcode uint32, rs, rt int, imm uint32) uint32 {
	return opcode<<26 | uint32(rs)<<21 | uint32(rt)<<16 | imm&0xFFFF
}

func jump(target uint32) uint32 {
	return mips.OpJ<<26 | target>>2&0x03FFFFFF
}

func program(code ...uint32) *loader.Program {
	data := make([]byte, len(code)*4)
	for i, op := range code {
		binary.LittleEndian.PutUint32(data[i*4:], op)
	}
	return &loader.Program{
		Entry:    programAddress,
		Segments: []loader.Segment{{Address: programAddress, Data: data}},
	}
}

// printAndExit writes a character to the debug output and ends the program.
func printAndExit() *loader.Program {
	return program(
		iType(mips.OpLUI, cpu.RegZero, regT0, 0x1000),
		iType(mips.OpORI, regT0, regT0, 0xF180),
		iType(mips.OpADDIU, cpu.RegZero, regT1, 'h'),
		iType(mips.OpSB, regT0, regT1, 0),
		iType(mips.OpADDIU, cpu.RegZero, cpu.RegV1, kernel.SyscallExit),
		0x0000000C, // syscall
		jump(programAddress+24),
		mips.OpcodeNOP,
	)
}

// endless loops forever while counting in a0.
func endless() *loader.Program {
	return program(
		iType(mips.OpADDIU, cpu.RegA0, cpu.RegA0, 1),
		jump(programAddress),
		mips.OpcodeNOP,
	)
}

func testOptions() options.Runner {
	opts := options.NewRunner()
	opts.Quantum = 64
	opts.FrameTicks = 2000
	opts.VBlankTicks = 200
	return opts
}

func setup(t *testing.T, opts options.Runner) (*Runner, *bytes.Buffer) {
	t.Helper()
	logger := log.NewTestLogger(t)

	var stdout bytes.Buffer
	sys := subsystem.New(logger, subsystem.Options{Stdout: &stdout})
	sys.Reset()

	r := New(logger, sys, opts)
	t.Cleanup(r.Close)
	return r, &stdout
}

func memoryStore(t *testing.T, historySize int) *statestore.Store {
	t.Helper()
	store, err := statestore.Open("state", statestore.Options{
		HistorySize: historySize,
		FS:          vfs.NewMem(),
	})
	assert.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunUntilExit(t *testing.T) {
	r, stdout := setup(t, testOptions())
	r.LoadProgram(printAndExit())

	assert.NoError(t, r.Run(context.Background()))

	assert.Equal(t, "h", stdout.String())
	assert.True(t, r.sys.HasExited())
	assert.Equal(t, uint64(1), r.Frame())
}

func TestRunFrames(t *testing.T) {
	opts := testOptions()
	opts.Frames = 3
	r, _ := setup(t, opts)
	r.LoadProgram(endless())

	assert.NoError(t, r.Run(context.Background()))

	assert.Equal(t, uint64(3), r.Frame())
	assert.False(t, r.sys.HasExited())
	assert.True(t, r.sys.EE.GPR32(cpu.RegA0) > 0)
}

func TestRunCancelled(t *testing.T) {
	r, _ := setup(t, testOptions())
	r.LoadProgram(endless())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, uint64(0), r.Frame())
}

func TestRewindHistory(t *testing.T) {
	opts := testOptions()
	opts.Frames = 5
	opts.HistoryEvery = 1
	r, _ := setup(t, opts)
	r.SetStore(memoryStore(t, 2))
	r.LoadProgram(endless())

	assert.NoError(t, r.Run(context.Background()))

	count, err := r.HistoryLen()
	assert.NoError(t, err)
	assert.Equal(t, 2, count)

	counter := r.sys.EE.GPR32(cpu.RegA0)
	r.sys.EE.SetGPR32(cpu.RegA0, 0)

	frame, err := r.Rewind()
	assert.NoError(t, err)
	assert.Equal(t, uint64(5), frame)
	assert.Equal(t, counter, r.sys.EE.GPR32(cpu.RegA0))
}

func TestSaveStateFile(t *testing.T) {
	opts := testOptions()
	opts.Frames = 1
	r, _ := setup(t, opts)
	r.LoadProgram(endless())
	assert.NoError(t, r.Run(context.Background()))

	path := filepath.Join(t.TempDir(), "state.ees")
	assert.NoError(t, r.SaveStateFile(path))
	pc := r.sys.EE.PC
	counter := r.sys.EE.GPR32(cpu.RegA0)

	r.sys.EE.SetGPR32(cpu.RegA0, 0)
	r.sys.EE.PC = 0
	binary.LittleEndian.PutUint32(r.sys.RAM[programAddress:], 0)

	assert.NoError(t, r.LoadStateFile(path))
	assert.Equal(t, pc, r.sys.EE.PC)
	assert.Equal(t, counter, r.sys.EE.GPR32(cpu.RegA0))
	assert.Equal(t, iType(mips.OpADDIU, cpu.RegA0, cpu.RegA0, 1),
		binary.LittleEndian.Uint32(r.sys.RAM[programAddress:]))
}

func TestLoadStateFileErrors(t *testing.T) {
	r, _ := setup(t, testOptions())

	dir := t.TempDir()
	err := r.LoadStateFile(filepath.Join(dir, "missing.ees"))
	assert.ErrorContains(t, err, "reading save state file")

	path := filepath.Join(dir, "broken.ees")
	assert.NoError(t, os.WriteFile(path, []byte("not a save state"), 0600))
	assert.Error(t, r.LoadStateFile(path))
}

func TestSlots(t *testing.T) {
	r, _ := setup(t, testOptions())
	assert.True(t, errors.Is(r.SaveSlot(0), ErrNoStore))
	assert.True(t, errors.Is(r.LoadSlot(0), ErrNoStore))
	_, err := r.Slots()
	assert.True(t, errors.Is(err, ErrNoStore))
	_, err = r.Rewind()
	assert.True(t, errors.Is(err, ErrNoStore))

	r.SetStore(memoryStore(t, 0))
	r.LoadProgram(endless())
	r.sys.EE.SetGPR32(cpu.RegA0, 0x1234)
	assert.NoError(t, r.SaveSlot(3))

	r.sys.EE.SetGPR32(cpu.RegA0, 0)
	assert.NoError(t, r.LoadSlot(3))
	assert.Equal(t, uint32(0x1234), r.sys.EE.GPR32(cpu.RegA0))

	err = r.LoadSlot(4)
	assert.True(t, errors.Is(err, statestore.ErrNotFound))

	assert.NoError(t, r.SaveSlot(1))
	slots, err := r.Slots()
	assert.NoError(t, err)
	assert.Equal(t, []int{1, 3}, slots)

	assert.NoError(t, r.DeleteSlot(3))
	slots, err = r.Slots()
	assert.NoError(t, err)
	assert.Equal(t, []int{1}, slots)
}

func TestScriptHooks(t *testing.T) {
	opts := testOptions()
	opts.Frames = 2
	r, _ := setup(t, opts)
	r.LoadProgram(endless())

	path := filepath.Join(t.TempDir(), "hooks.lua")
	source := `
		frames = 0
		breaks = 0
		ee.addbreak(0x00100004)
		emu.onframe(function(frame) frames = frame end)
		emu.onbreak(function(address) breaks = breaks + 1 end)
	`
	assert.NoError(t, os.WriteFile(path, []byte(source), 0600))
	assert.NoError(t, r.LoadScript(context.Background(), path))
	assert.NoError(t, r.Run(context.Background()))

	assert.NoError(t, r.script.Run(context.Background(), `assert(frames == 2)`))
	assert.True(t, r.sys.EE.Breakpoints.Contains(programAddress+4))
}

func TestScriptStates(t *testing.T) {
	opts := testOptions()
	opts.Frames = 3
	opts.HistoryEvery = 1
	r, _ := setup(t, opts)
	r.SetStore(memoryStore(t, 2))
	r.LoadProgram(endless())
	assert.NoError(t, r.Run(context.Background()))

	path := filepath.Join(t.TempDir(), "states.lua")
	source := `
		assert(emu.history() == 2)
		assert(emu.rewind() == 3)
		emu.save(5)
		local list = emu.slots()
		assert(#list == 1 and list[1] == 5)
		emu.deleteslot(5)
		assert(#emu.slots() == 0)
	`
	assert.NoError(t, os.WriteFile(path, []byte(source), 0600))
	assert.NoError(t, r.LoadScript(context.Background(), path))
	assert.Equal(t, uint64(3), r.Frame())
}
