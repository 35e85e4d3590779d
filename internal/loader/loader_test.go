package loader

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/retroenv/retrogolib/assert"
)

const memorySize = 0x02000000

//nolint:funlen // test functions can be long
func TestLoad(t *testing.T) {
	t.Run("load binary file", func(t *testing.T) {
		tmpFile := createTempFile(t, []byte{0x01, 0x02, 0x03, 0x04})

		program, err := New(memorySize).Load(tmpFile, true, 0x00100000)
		assert.NoError(t, err)
		assert.Equal(t, uint32(0x00100000), program.Entry)
		assert.Len(t, program.Segments, 1)
		assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, program.Segments[0].Data)
	})

	t.Run("load ELF file", func(t *testing.T) {
		tmpFile := createTempFile(t, buildELF(0x00100008, 0x00100000, []byte{0xAA, 0xBB}, 8))

		program, err := New(memorySize).Load(tmpFile, false, 0)
		assert.NoError(t, err)
		assert.Equal(t, uint32(0x00100008), program.Entry)
		assert.Len(t, program.Segments, 1)
		assert.Equal(t, uint32(0x00100000), program.Segments[0].Address)
		assert.Equal(t, []byte{0xAA, 0xBB, 0, 0, 0, 0, 0, 0}, program.Segments[0].Data)
	})

	t.Run("error on non-existent file", func(t *testing.T) {
		_, err := New(memorySize).Load("/nonexistent/file.elf", false, 0)
		assert.Error(t, err)
	})
}

func TestLoadFromBytes(t *testing.T) {
	t.Run("error on invalid ELF header", func(t *testing.T) {
		_, err := New(memorySize).LoadFromBytes(make([]byte, 100), false, 0)
		assert.Error(t, err)
	})

	t.Run("error on wrong machine", func(t *testing.T) {
		data := buildELF(0x1000, 0x1000, []byte{1}, 1)
		binary.LittleEndian.PutUint16(data[18:], 62) // x86-64

		_, err := New(memorySize).LoadFromBytes(data, false, 0)
		assert.True(t, errors.Is(err, ErrNotMIPS))
	})

	t.Run("error on segment outside of memory", func(t *testing.T) {
		_, err := New(0x1000).LoadFromBytes(make([]byte, 0x10), true, 0xFF8)
		assert.True(t, errors.Is(err, ErrOutOfMemory))
	})

	t.Run("kseg0 address", func(t *testing.T) {
		program, err := New(memorySize).LoadFromBytes([]byte{1, 2}, true, 0x80100000)
		assert.NoError(t, err)

		memory := make([]byte, 0x00200000)
		program.Copy(memory)
		assert.Equal(t, byte(1), memory[0x00100000])
		assert.Equal(t, byte(2), memory[0x00100001])
	})
}

func createTempFile(t *testing.T, data []byte) string {
	t.Helper()
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "test.bin")
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	return tmpFile
}

// buildELF creates a minimal 32 bit little endian MIPS executable with a
// single loadable segment.
func buildELF(entry, address uint32, data []byte, memSize uint32) []byte {
	const (
		headerSize  = 52
		programSize = 32
	)

	b := make([]byte, headerSize+programSize+len(data))
	copy(b, []byte{0x7F, 'E', 'L', 'F', 1, 1, 1})
	le := binary.LittleEndian
	le.PutUint16(b[16:], 2) // executable
	le.PutUint16(b[18:], 8) // MIPS
	le.PutUint32(b[20:], 1)
	le.PutUint32(b[24:], entry)
	le.PutUint32(b[28:], headerSize)
	le.PutUint16(b[40:], headerSize)
	le.PutUint16(b[42:], programSize)
	le.PutUint16(b[44:], 1)
	le.PutUint16(b[46:], 40)

	p := b[headerSize:]
	le.PutUint32(p[0:], 1) // loadable
	le.PutUint32(p[4:], headerSize+programSize)
	le.PutUint32(p[8:], address)
	le.PutUint32(p[12:], address)
	le.PutUint32(p[16:], uint32(len(data)))
	le.PutUint32(p[20:], memSize)
	le.PutUint32(p[24:], 5)
	le.PutUint32(p[28:], 4)

	copy(b[headerSize+programSize:], data)
	return b
}
