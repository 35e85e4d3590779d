// Package script runs Lua debug scripts that inspect and drive the main
// processor: breakpoints, stepping, register and memory access and block
// statistics.
package script

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/retroenv/retroee/internal/block"
	"github.com/retroenv/retroee/internal/cpu"
	"github.com/retroenv/retrogolib/log"
	lua "github.com/yuin/gopher-lua"
)

// ErrNotSupported is returned by script functions whose machine operation
// was not provided.
var ErrNotSupported = errors.New("operation not supported")

// Blocks finds the compiled block containing an address.
type Blocks interface {
	FindBlockAt(address uint32) *block.Block
}

// States manages the snapshot slots and the rewind history of the machine.
type States interface {
	SaveSlot(slot int) error
	LoadSlot(slot int) error
	DeleteSlot(slot int) error
	Slots() ([]int, error)
	HistoryLen() (int, error)
	Rewind() (uint64, error)
}

// Dependencies contains the machine that a script controls.
type Dependencies struct {
	EE     *cpu.Context
	Blocks Blocks

	// Step runs the main processor for up to the given number of cycles and
	// returns the executed cycles. Optional.
	Step func(cycles int) (int, error)
	// Frame runs one video frame. Optional.
	Frame func() error
	// States gives access to save state slots and rewind. Optional.
	States States
}

// Script is a Lua state bound to a machine.
type Script struct {
	logger *log.Logger
	state  *lua.LState
	deps   Dependencies

	onFrame *lua.LFunction
	onBreak *lua.LFunction
}

// New returns a script environment with the ee and emu modules registered.
func New(logger *log.Logger, deps Dependencies) *Script {
	s := &Script{
		logger: logger,
		state:  lua.NewState(),
		deps:   deps,
	}
	s.register()
	return s
}

// Close releases the Lua state.
func (s *Script) Close() {
	s.state.Close()
}

// Run executes Lua source code. The context cancels long running scripts.
func (s *Script) Run(ctx context.Context, source string) error {
	s.state.SetContext(ctx)
	if err := s.state.DoString(source); err != nil {
		return fmt.Errorf("running script: %w", err)
	}
	return nil
}

// RunFile executes a Lua script file.
func (s *Script) RunFile(ctx context.Context, path string) error {
	s.state.SetContext(ctx)
	if err := s.state.DoFile(path); err != nil {
		return fmt.Errorf("running script file %s: %w", path, err)
	}
	return nil
}

// NotifyFrame calls the frame hook of the script, if one is set.
func (s *Script) NotifyFrame(frame uint64) error {
	if s.onFrame == nil {
		return nil
	}
	if err := s.call(s.onFrame, lua.LNumber(frame)); err != nil {
		return fmt.Errorf("calling frame hook: %w", err)
	}
	return nil
}

// NotifyBreak calls the breakpoint hook of the script, if one is set.
func (s *Script) NotifyBreak(address uint32) error {
	if s.onBreak == nil {
		return nil
	}
	if err := s.call(s.onBreak, lua.LNumber(address)); err != nil {
		return fmt.Errorf("calling breakpoint hook: %w", err)
	}
	return nil
}

func (s *Script) call(fn *lua.LFunction, args ...lua.LValue) error {
	return s.state.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, args...)
}

func (s *Script) register() {
	ee := s.state.NewTable()
	s.state.SetFuncs(ee, map[string]lua.LGFunction{
		"pc":          s.pc,
		"setpc":       s.setPC,
		"gpr":         s.gpr,
		"setgpr":      s.setGPR,
		"cop0":        s.cop0,
		"read8":       s.read8,
		"read32":      s.read32,
		"write8":      s.write8,
		"write32":     s.write32,
		"addbreak":    s.addBreakpoint,
		"removebreak": s.removeBreakpoint,
		"breakpoints": s.breakpoints,
	})
	s.state.SetGlobal("ee", ee)

	emu := s.state.NewTable()
	s.state.SetFuncs(emu, map[string]lua.LGFunction{
		"step":    s.step,
		"frame":   s.frame,
		"block":   s.block,
		"log":     s.log,
		"onframe": s.setFrameHook,
		"onbreak": s.setBreakHook,

		"save":       s.saveSlot,
		"load":       s.loadSlot,
		"deleteslot": s.deleteSlot,
		"slots":      s.slots,
		"history":    s.history,
		"rewind":     s.rewind,
	})
	s.state.SetGlobal("emu", emu)
}

func checkUint32(l *lua.LState, n int) uint32 {
	return uint32(l.CheckInt64(n))
}

func checkRegister(l *lua.LState, n int) int {
	index := l.CheckInt(n)
	if index < 0 || index > 31 {
		l.ArgError(n, "register index out of range")
	}
	return index
}

func (s *Script) pc(l *lua.LState) int {
	l.Push(lua.LNumber(s.deps.EE.PC))
	return 1
}

func (s *Script) setPC(l *lua.LState) int {
	s.deps.EE.PC = checkUint32(l, 1)
	return 0
}

func (s *Script) gpr(l *lua.LState) int {
	l.Push(lua.LNumber(s.deps.EE.GPR32(checkRegister(l, 1))))
	return 1
}

func (s *Script) setGPR(l *lua.LState) int {
	s.deps.EE.SetGPR32(checkRegister(l, 1), checkUint32(l, 2))
	return 0
}

func (s *Script) cop0(l *lua.LState) int {
	l.Push(lua.LNumber(s.deps.EE.COP0[checkRegister(l, 1)]))
	return 1
}

func (s *Script) read8(l *lua.LState) int {
	address := s.deps.EE.Translate(checkUint32(l, 1))
	l.Push(lua.LNumber(s.deps.EE.Memory.GetByte(address)))
	return 1
}

func (s *Script) read32(l *lua.LState) int {
	address := s.deps.EE.Translate(checkUint32(l, 1))
	l.Push(lua.LNumber(s.deps.EE.Memory.GetWord(address)))
	return 1
}

func (s *Script) write8(l *lua.LState) int {
	address := s.deps.EE.Translate(checkUint32(l, 1))
	s.deps.EE.Memory.SetByte(address, uint8(l.CheckInt(2)))
	return 0
}

func (s *Script) write32(l *lua.LState) int {
	address := s.deps.EE.Translate(checkUint32(l, 1))
	s.deps.EE.Memory.SetWord(address, checkUint32(l, 2))
	return 0
}

func (s *Script) addBreakpoint(l *lua.LState) int {
	s.deps.EE.Breakpoints.Add(s.deps.EE.Translate(checkUint32(l, 1)))
	return 0
}

func (s *Script) removeBreakpoint(l *lua.LState) int {
	s.deps.EE.Breakpoints.Remove(s.deps.EE.Translate(checkUint32(l, 1)))
	return 0
}

func (s *Script) breakpoints(l *lua.LState) int {
	tbl := l.NewTable()
	for _, address := range slices.Sorted(maps.Keys(s.deps.EE.Breakpoints)) {
		tbl.Append(lua.LNumber(address))
	}
	l.Push(tbl)
	return 1
}

func (s *Script) step(l *lua.LState) int {
	if s.deps.Step == nil {
		l.RaiseError("step: %s", ErrNotSupported)
		return 0
	}

	executed, err := s.deps.Step(l.OptInt(1, 1))
	if err != nil {
		l.RaiseError("step: %s", err)
		return 0
	}
	l.Push(lua.LNumber(executed))
	return 1
}

func (s *Script) frame(l *lua.LState) int {
	if s.deps.Frame == nil {
		l.RaiseError("frame: %s", ErrNotSupported)
		return 0
	}
	if err := s.deps.Frame(); err != nil {
		l.RaiseError("frame: %s", err)
	}
	return 0
}

// block returns begin, end and self loop count of the compiled block at the
// address, or nil when there is none.
func (s *Script) block(l *lua.LState) int {
	address := s.deps.EE.Translate(checkUint32(l, 1))
	var b *block.Block
	if s.deps.Blocks != nil {
		b = s.deps.Blocks.FindBlockAt(address)
	}
	if b == nil {
		l.Push(lua.LNil)
		return 1
	}

	l.Push(lua.LNumber(b.Begin()))
	l.Push(lua.LNumber(b.End()))
	l.Push(lua.LNumber(b.SelfLoopCount()))
	return 3
}

func (s *Script) log(l *lua.LState) int {
	s.logger.Info("Script", log.String("message", l.CheckString(1)))
	return 0
}

func (s *Script) setFrameHook(l *lua.LState) int {
	s.onFrame = l.CheckFunction(1)
	return 0
}

func (s *Script) setBreakHook(l *lua.LState) int {
	s.onBreak = l.CheckFunction(1)
	return 0
}

// states returns the state manager or raises a Lua error naming the
// function when there is none.
func (s *Script) states(l *lua.LState, name string) States {
	if s.deps.States == nil {
		l.RaiseError("%s: %s", name, ErrNotSupported)
	}
	return s.deps.States
}

func (s *Script) saveSlot(l *lua.LState) int {
	states := s.states(l, "save")
	if err := states.SaveSlot(l.CheckInt(1)); err != nil {
		l.RaiseError("save: %s", err)
	}
	return 0
}

func (s *Script) loadSlot(l *lua.LState) int {
	states := s.states(l, "load")
	if err := states.LoadSlot(l.CheckInt(1)); err != nil {
		l.RaiseError("load: %s", err)
	}
	return 0
}

func (s *Script) deleteSlot(l *lua.LState) int {
	states := s.states(l, "deleteslot")
	if err := states.DeleteSlot(l.CheckInt(1)); err != nil {
		l.RaiseError("deleteslot: %s", err)
	}
	return 0
}

func (s *Script) slots(l *lua.LState) int {
	slots, err := s.states(l, "slots").Slots()
	if err != nil {
		l.RaiseError("slots: %s", err)
		return 0
	}
	tbl := l.NewTable()
	for _, slot := range slots {
		tbl.Append(lua.LNumber(slot))
	}
	l.Push(tbl)
	return 1
}

func (s *Script) history(l *lua.LState) int {
	n, err := s.states(l, "history").HistoryLen()
	if err != nil {
		l.RaiseError("history: %s", err)
		return 0
	}
	l.Push(lua.LNumber(n))
	return 1
}

// rewind restores the newest rewind snapshot and returns its frame.
func (s *Script) rewind(l *lua.LState) int {
	frame, err := s.states(l, "rewind").Rewind()
	if err != nil {
		l.RaiseError("rewind: %s", err)
		return 0
	}
	l.Push(lua.LNumber(frame))
	return 1
}
