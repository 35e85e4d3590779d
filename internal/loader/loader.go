// Package loader handles program file loading operations.
package loader

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrNotMIPS is returned for ELF files of another machine.
	ErrNotMIPS = errors.New("ELF file is not a little endian MIPS program")
	// ErrNoSegments is returned for ELF files without loadable segments.
	ErrNoSegments = errors.New("ELF file has no loadable segments")
	// ErrOutOfMemory is returned when a segment does not fit main memory.
	ErrOutOfMemory = errors.New("segment outside of main memory")
)

// Segment is a memory range of a program.
type Segment struct {
	Address uint32
	Data    []byte
}

// Program is a loaded program image.
type Program struct {
	Entry    uint32
	Segments []Segment
}

// Loader handles loading program files from disk.
type Loader struct {
	memorySize uint32
}

// New creates a new program loader for a main memory of the given size.
func New(memorySize uint32) *Loader {
	return &Loader{
		memorySize: memorySize,
	}
}

// Load loads a program file. Raw binaries are placed at the address, which
// is also their entry point, ELF files are placed by their program headers.
func (l *Loader) Load(path string, binary bool, address uint32) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}

	program, err := l.LoadFromBytes(data, binary, address)
	if err != nil {
		return nil, fmt.Errorf("loading program %s: %w", path, err)
	}
	return program, nil
}

// LoadFromBytes loads a program from a byte slice.
func (l *Loader) LoadFromBytes(data []byte, binary bool, address uint32) (*Program, error) {
	var program *Program
	if binary {
		program = &Program{
			Entry:    address,
			Segments: []Segment{{Address: address, Data: data}},
		}
	} else {
		var err error
		program, err = loadELF(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
	}

	if err := l.validate(program); err != nil {
		return nil, err
	}
	return program, nil
}

func loadELF(r io.ReaderAt) (*Program, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	defer func() { _ = f.Close() }()

	if f.Machine != elf.EM_MIPS || f.Data != elf.ELFDATA2LSB || f.Class != elf.ELFCLASS32 {
		return nil, ErrNotMIPS
	}

	program := &Program{Entry: uint32(f.Entry)}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}

		// the part of the segment not in the file is zero filled
		data := make([]byte, p.Memsz)
		if _, err := p.ReadAt(data[:p.Filesz], 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading segment at 0x%08X: %w", p.Vaddr, err)
		}
		program.Segments = append(program.Segments, Segment{
			Address: uint32(p.Vaddr),
			Data:    data,
		})
	}

	if len(program.Segments) == 0 {
		return nil, ErrNoSegments
	}
	return program, nil
}

func (l *Loader) validate(program *Program) error {
	for _, s := range program.Segments {
		// kseg0 and kseg1 addresses mirror the physical memory
		start := uint64(s.Address & 0x1FFFFFFF)
		if start+uint64(len(s.Data)) > uint64(l.memorySize) {
			return fmt.Errorf("%w: 0x%08X size 0x%X", ErrOutOfMemory, s.Address, len(s.Data))
		}
	}
	return nil
}

// Copy writes all segments of the program into the memory.
func (p *Program) Copy(memory []byte) {
	for _, s := range p.Segments {
		copy(memory[s.Address&0x1FFFFFFF:], s.Data)
	}
}
