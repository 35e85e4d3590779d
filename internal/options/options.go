// Package options contains the program options.
package options

// DefaultLoadAddress is where raw binaries are loaded and started.
const DefaultLoadAddress = 0x00100000

// Parameters contains file path options.
type Parameters struct {
	Input     string `flag:"i" usage:"input ELF or raw binary program"`
	BIOS      string `flag:"bios" usage:"BIOS image to map at 0x1FC00000"`
	Script    string `flag:"script" usage:"Lua debug script"`
	StateDir  string `flag:"statedir" usage:"directory of the snapshot store"`
	LoadState string `flag:"load" usage:"save state file to restore before running"`
	SaveState string `flag:"save" usage:"save state file to write when the run ends"`
}

// Flags contains behavior options.
type Flags struct {
	Binary      bool   `flag:"binary" usage:"treat input as raw binary instead of ELF"`
	LoadAddress string `flag:"addr" usage:"load and entry address of a raw binary" default:"0x00100000"`
	Frames      int    `flag:"frames" usage:"number of frames to run, 0 runs until the program exits"`
	Slot        int    `flag:"slot" usage:"snapshot slot to restore and to save to" default:"-1"`
	History     int    `flag:"history" usage:"frames between rewind snapshots, 0 disables them"`
	Rewind      bool   `flag:"rewind" usage:"restore the newest rewind snapshot before running"`
	Debug       bool   `flag:"debug" usage:"enable debug logging"`
	Quiet       bool   `flag:"q" usage:"quiet mode"`
}

// Program options of the emulator.
type Program struct {
	Parameters
	Flags
}

// Runner defines options to control the frame loop.
type Runner struct {
	Binary      bool
	LoadAddress uint32

	Frames       int    // frames to run, 0 runs until the program exits
	Slot         int    // snapshot slot, negative when unused
	HistoryEvery int    // frames between rewind snapshots, 0 disables them
	Rewind       bool   // restore the newest rewind snapshot before running
	HistorySize  int    // rewind snapshots kept in the store
	Quantum      int    // cycles per main processor slice
	FrameTicks   int    // processor cycles of one video frame
	VBlankTicks  int    // cycles of the frame spent in vertical blank
	ScriptPath   string // Lua script run before the first frame
}

// Timing of the main processor clock at 60 frames per second.
const (
	ClockFrequency     = 294912000
	FramesPerSecond    = 60
	DefaultFrameTicks  = ClockFrequency / FramesPerSecond
	DefaultVBlankTicks = DefaultFrameTicks / 10
	DefaultQuantum     = 4096
	DefaultHistorySize = 64
)

// NewRunner returns runner options with the default timing.
func NewRunner() Runner {
	return Runner{
		LoadAddress: DefaultLoadAddress,
		Slot:        -1,
		HistorySize: DefaultHistorySize,
		Quantum:     DefaultQuantum,
		FrameTicks:  DefaultFrameTicks,
		VBlankTicks: DefaultVBlankTicks,
	}
}
